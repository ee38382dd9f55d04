package providers

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// sseScanner reads server-sent events and yields the data payload of each
// one. Fields other than data are ignored; multi-line data is joined with
// newlines per the SSE framing rules.
type sseScanner struct {
	r *bufio.Reader
}

func newSSEScanner(r io.Reader) *sseScanner {
	return &sseScanner{r: bufio.NewReader(r)}
}

// Next returns the data of the next event, or io.EOF when the stream ends.
// A trailing event not terminated by a blank line is still returned.
func (s *sseScanner) Next() (string, error) {
	var data strings.Builder
	for {
		line, err := s.r.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) == 0 {
				if data.Len() > 0 {
					return strings.TrimSuffix(data.String(), "\n"), nil
				}
				continue
			}
			if value, ok := bytes.CutPrefix(trimmed, []byte("data:")); ok {
				data.Write(bytes.TrimPrefix(value, []byte(" ")))
				data.WriteByte('\n')
			}
		}
		if err != nil {
			if data.Len() > 0 {
				return strings.TrimSuffix(data.String(), "\n"), nil
			}
			return "", err
		}
	}
}
