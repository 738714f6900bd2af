// Package loader extracts documents from PDF and plain text files.
package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"

	"ragpipe/internal/domain"
)

var ErrUnsupported = errors.New("unsupported file type")

var supported = map[string]bool{".pdf": true, ".txt": true, ".md": true}

// Supported reports whether path has an extension Load understands.
func Supported(path string) bool { return supported[strings.ToLower(filepath.Ext(path))] }

// DocumentID derives a stable id from the absolute path.
func DocumentID(absPath string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(absPath))).String()
}

// Load reads path into a Document. PDF pages become PageSpans over the
// document's word stream; text files are a single page.
func Load(path string) (domain.Document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return domain.Document{}, err
	}
	doc := domain.Document{ID: DocumentID(abs), SourcePath: abs}
	var pages []string
	ext := strings.ToLower(filepath.Ext(abs))
	switch ext {
	case ".pdf":
		pages, err = readPDF(abs)
	case ".txt", ".md":
		var data []byte
		data, err = os.ReadFile(abs)
		pages = []string{string(data)}
	default:
		return doc, fmt.Errorf("%s: %w", abs, ErrUnsupported)
	}
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", abs, err)
	}

	var words []string
	for i, text := range pages {
		w := strings.Fields(text)
		if len(w) == 0 {
			continue
		}
		doc.Pages = append(doc.Pages, domain.PageSpan{Page: i + 1, Start: len(words), End: len(words) + len(w)})
		words = append(words, w...)
	}
	if len(words) == 0 {
		return doc, fmt.Errorf("%s: no extractable text", abs)
	}
	doc.RawText = strings.Join(words, " ")
	doc.Metadata = map[string]any{
		"file_type": strings.TrimPrefix(ext, "."),
		"pages":     len(pages),
	}
	return doc, nil
}

func readPDF(path string) (pages []string, err error) {
	// The parser panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	n := r.NumPage()
	pages = make([]string, 0, n)
	for i := 1; i <= n; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, text)
	}
	return pages, nil
}

// Expand resolves files, directories (recursively, supported files only)
// and glob patterns including "**". Results keep first-seen order without
// duplicates. Plain file arguments are returned even when unsupported so
// callers can report them.
func Expand(patterns []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, pattern := range patterns {
		if info, err := os.Stat(pattern); err == nil {
			if !info.IsDir() {
				add(pattern)
				continue
			}
			err := filepath.WalkDir(pattern, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if !d.IsDir() && Supported(path) {
					add(path)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			continue
		}
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			// Let the load stage report it.
			add(pattern)
			continue
		}
		for _, m := range matches {
			if Supported(m) {
				add(m)
			}
		}
	}
	return out, nil
}
