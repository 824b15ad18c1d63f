package kb

import (
	"path"
	"strings"
	"unicode/utf8"

	"github.com/nextlevelbuilder/replydesk/internal/source"
)

// separators are tried in order when a passage is too long.
var separators = []string{"\n\n", "\n", ". ", " "}

// Chunker splits documents into passages of at most Size runes, with
// Overlap runes carried between neighbouring passages.
type Chunker struct {
	Size    int
	Overlap int
}

// Split chunks one document. Markdown documents are first cut at headers
// so a passage never spans two sections. Every chunk is prefixed with the
// document name so retrieved context keeps its provenance.
func (c Chunker) Split(doc source.Document) []Chunk {
	if c.Size <= 0 {
		c.Size = 1000
	}
	if c.Overlap < 0 || c.Overlap >= c.Size {
		c.Overlap = 0
	}

	sections := []string{doc.Text}
	if ext := strings.ToLower(path.Ext(doc.Name)); ext == ".md" || ext == ".markdown" {
		sections = splitMarkdownSections(doc.Text)
	}

	var chunks []Chunk
	for _, section := range sections {
		for _, piece := range c.splitText(strings.TrimSpace(section), separators) {
			if piece == "" {
				continue
			}
			text := "Document: " + doc.Name + "\n" + piece
			chunks = append(chunks, Chunk{
				ID:     ContentHash(doc.Name + "\n" + text),
				Source: doc.Name,
				Seq:    len(chunks),
				Hash:   ContentHash(text),
				Text:   text,
			})
		}
	}
	return chunks
}

// ChunkDocuments chunks every document and drops duplicate chunk IDs, so
// the number of chunks returned is exactly the number the index will hold.
func (c Chunker) ChunkDocuments(docs []source.Document) []Chunk {
	seen := make(map[string]struct{})
	var out []Chunk
	for _, doc := range docs {
		for _, ch := range c.Split(doc) {
			if _, dup := seen[ch.ID]; dup {
				continue
			}
			seen[ch.ID] = struct{}{}
			out = append(out, ch)
		}
	}
	return out
}

func splitMarkdownSections(text string) []string {
	var sections []string
	var current strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") && strings.TrimSpace(current.String()) != "" {
			sections = append(sections, current.String())
			current.Reset()
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	if strings.TrimSpace(current.String()) != "" {
		sections = append(sections, current.String())
	}
	return sections
}

// splitText recursively splits text on the first separator it contains,
// then merges the pieces back into windows of at most c.Size runes.
func (c Chunker) splitText(text string, seps []string) []string {
	if utf8.RuneCountInString(text) <= c.Size {
		return []string{text}
	}

	sep := ""
	var rest []string
	for i, s := range seps {
		if strings.Contains(text, s) {
			sep, rest = s, seps[i+1:]
			break
		}
	}
	if sep == "" {
		return hardSplit(text, c.Size, c.Overlap)
	}

	var out []string
	var window []string
	emit := func() {
		if joined := strings.TrimSpace(strings.Join(window, sep)); joined != "" {
			out = append(out, joined)
		}
	}

	for _, p := range strings.Split(text, sep) {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if utf8.RuneCountInString(p) > c.Size {
			if len(window) > 0 {
				emit()
				window = nil
			}
			out = append(out, c.splitText(p, rest)...)
			continue
		}
		if len(window) > 0 && joinedLen(append(window, p), sep) > c.Size {
			emit()
			for len(window) > 0 && (joinedLen(window, sep) > c.Overlap || joinedLen(append(window, p), sep) > c.Size) {
				window = window[1:]
			}
		}
		window = append(window, p)
	}
	if len(window) > 0 {
		emit()
	}
	return out
}

func joinedLen(parts []string, sep string) int {
	if len(parts) == 0 {
		return 0
	}
	n := utf8.RuneCountInString(sep) * (len(parts) - 1)
	for _, p := range parts {
		n += utf8.RuneCountInString(p)
	}
	return n
}

func hardSplit(text string, size, overlap int) []string {
	runes := []rune(text)
	step := size - overlap
	var out []string
	for i := 0; i < len(runes); i += step {
		end := min(i+size, len(runes))
		out = append(out, string(runes[i:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}
