package streaming

import (
	"io"
	"strconv"
)

// Boundary separates parts of the MJPEG stream
const Boundary = "frame"

// ContentType is the response content type of the MJPEG stream
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// WritePart writes one JPEG frame as a multipart part:
// --frame CRLF headers CRLF CRLF bytes CRLF
func WritePart(w io.Writer, frame []byte) error {
	header := make([]byte, 0, 96)
	header = append(header, "--"+Boundary+"\r\n"...)
	header = append(header, "Content-Type: image/jpeg\r\n"...)
	header = append(header, "Content-Length: "...)
	header = strconv.AppendInt(header, int64(len(frame)), 10)
	header = append(header, "\r\n\r\n"...)

	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}
