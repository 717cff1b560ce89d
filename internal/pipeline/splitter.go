package pipeline

import (
	"bufio"
	"io"
	"strings"
)

// Chunk is one bounded unit of document text, the atomic unit of embedding
// and storage. Indices are 0-based and strictly increasing per file.
type Chunk struct {
	Index  int
	Text   string
	Length int
}

// Splitter incrementally consumes a document's byte stream and yields a
// chunk per paragraph (blank-line boundary). Partial input is buffered
// across reads; the trailing text is flushed as a final chunk at stream
// end. Whitespace-only segments are dropped without consuming an index.
type Splitter struct {
	r      *bufio.Reader
	window string
	index  int
	eof    bool
}

// NewSplitter returns a Splitter reading from r.
func NewSplitter(r io.Reader) *Splitter {
	return &Splitter{r: bufio.NewReader(r)}
}

const splitterReadSize = 32 * 1024

// Next returns the next chunk, reading more input as needed. io.EOF signals
// the end of the stream; any other error aborts the split.
func (s *Splitter) Next() (Chunk, error) {
	for {
		if chunk, ok := s.takeSegment(); ok {
			return chunk, nil
		}
		if s.eof {
			return s.flush()
		}

		block := make([]byte, splitterReadSize)
		n, err := s.r.Read(block)
		if n > 0 {
			s.window += string(block[:n])
		}
		if err == io.EOF {
			s.eof = true
			continue
		}
		if err != nil {
			return Chunk{}, err
		}
	}
}

// takeSegment cuts the buffered window at the first paragraph boundary.
func (s *Splitter) takeSegment() (Chunk, bool) {
	for {
		boundary := strings.Index(s.window, "\n\n")
		if boundary == -1 {
			return Chunk{}, false
		}
		segment := strings.TrimSpace(s.window[:boundary])
		s.window = s.window[boundary+2:]
		if segment == "" {
			continue
		}
		chunk := Chunk{Index: s.index, Text: segment, Length: len(segment)}
		s.index++
		return chunk, true
	}
}

func (s *Splitter) flush() (Chunk, error) {
	remaining := strings.TrimSpace(s.window)
	s.window = ""
	if remaining == "" {
		return Chunk{}, io.EOF
	}
	chunk := Chunk{Index: s.index, Text: remaining, Length: len(remaining)}
	s.index++
	return chunk, nil
}
