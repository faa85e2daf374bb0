package corpus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// maxLineBytes fits a 3072-dim embedding with generous text.
const maxLineBytes = 4 << 20

// ReadJSONL parses one Chunk per line. Blank lines are skipped.
func ReadJSONL(r io.Reader) ([]Chunk, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	var out []Chunk
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var c Chunk
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("corpus line %d: %w", line, err)
		}
		if strings.TrimSpace(c.SourceID) == "" {
			c.SourceID = fmt.Sprintf("line-%d", line)
		}
		out = append(out, c)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("corpus read: %w", err)
	}
	return out, nil
}

// WriteJSONL writes chunks in the format ReadJSONL expects.
func WriteJSONL(w io.Writer, chunks []Chunk) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, c := range chunks {
		if err := enc.Encode(c); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Load reads and indexes a corpus file. An empty path yields an empty index.
func Load(path string) (*Index, error) {
	if strings.TrimSpace(path) == "" {
		return New(nil)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}
	defer f.Close()
	chunks, err := ReadJSONL(f)
	if err != nil {
		return nil, err
	}
	return New(chunks)
}
