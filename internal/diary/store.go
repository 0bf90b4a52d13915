// Package diary reads and writes the plain-file diary tree: one directory per
// diary under a root, holding .txt and .md entries.
package diary

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kalambet/ragdiary/internal/blobstore"
	"github.com/kalambet/ragdiary/internal/timeparse"
)

// Separator joins entries when a whole diary is read at once.
const Separator = "\n\n---\n\n"

// ErrInvalidName is returned for diary names that are not a single path
// element.
var ErrInvalidName = errors.New("invalid diary name")

// Entry is one diary file.
type Entry struct {
	Diary   string
	Path    string // relative to the diary directory
	Date    string // YYYY-MM-DD from the header line, or empty
	Content string
	ModTime time.Time
}

// Store is a diary root directory.
type Store struct {
	Root string
}

// NewStore returns a Store rooted at root.
func NewStore(root string) *Store {
	return &Store{Root: root}
}

// List returns the diary names, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing diaries: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Dir returns the directory of a diary. The name must be a single path
// element.
func (s *Store) Dir(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.Root, name), nil
}

// ValidateName reports whether name can be used as a diary directory.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w %q", ErrInvalidName, name)
	}
	return nil
}

// Files returns the .txt and .md file names of a diary sorted by name. A
// missing diary has no files.
func (s *Store) Files(name string) ([]string, error) {
	dir, err := s.Dir(name)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading diary %s: %w", name, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".txt" || ext == ".md" {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// Read returns one file of a diary.
func (s *Store) Read(name, file string) (Entry, error) {
	dir, err := s.Dir(name)
	if err != nil {
		return Entry{}, err
	}
	p := filepath.Join(dir, filepath.Base(file))
	info, err := os.Stat(p)
	if err != nil {
		return Entry{}, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return Entry{}, err
	}
	content := string(data)
	date, _ := HeaderDate(content)
	return Entry{Diary: name, Path: filepath.Base(file), Date: date, Content: content, ModTime: info.ModTime()}, nil
}

// ReadAll concatenates every entry of a diary in file name order. A diary
// without entries yields the placeholder "[{name}日记本内容为空]".
func (s *Store) ReadAll(name string) (string, error) {
	files, err := s.Files(name)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(files))
	for _, f := range files {
		e, err := s.Read(name, f)
		if err != nil {
			slog.Warn("diary: skipping unreadable entry", "diary", name, "file", f, "error", err)
			continue
		}
		parts = append(parts, e.Content)
	}
	if len(parts) == 0 {
		return EmptyNotice(name), nil
	}
	return strings.Join(parts, Separator), nil
}

// EmptyNotice is the text standing in for a diary with no entries.
func EmptyNotice(name string) string {
	return "[" + name + "日记本内容为空]"
}

var (
	bracketDate = regexp.MustCompile(`^\[(\d{4})-(\d{2})-(\d{2})\]`)
	dottedDate  = regexp.MustCompile(`^(\d{4})\.(\d{2})\.(\d{2})`)
)

// HeaderDate extracts the date stamp from the first line of an entry,
// accepting "[YYYY-MM-DD]" and "YYYY.MM.DD", and returns it as YYYY-MM-DD.
func HeaderDate(content string) (string, bool) {
	line := content
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "\ufeff"))
	for _, re := range []*regexp.Regexp{bracketDate, dottedDate} {
		if m := re.FindStringSubmatch(line); m != nil {
			return m[1] + "-" + m[2] + "-" + m[3], true
		}
	}
	return "", false
}

// ScanRange returns every entry of a diary whose header date falls inside r.
// Entries without a parsable header are ignored.
func (s *Store) ScanRange(name string, r timeparse.Range) ([]Entry, error) {
	files, err := s.Files(name)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, f := range files {
		e, err := s.Read(name, f)
		if err != nil {
			slog.Warn("diary: skipping unreadable entry", "diary", name, "file", f, "error", err)
			continue
		}
		if e.Date == "" {
			continue
		}
		d, err := time.Parse(time.DateOnly, e.Date)
		if err != nil {
			continue
		}
		if r.Contains(d) {
			out = append(out, e)
		}
	}
	return out, nil
}

// WriteRequest is a new diary entry.
type WriteRequest struct {
	// Author is the signing name. "[Folder]Name" writes Name's entry into
	// the Folder diary.
	Author  string
	Date    string
	Content string
}

var dateSeparators = regexp.MustCompile(`[.\\/\s-]+`)

// WriteEntry writes req as {date}-{hh_mm_ss}.txt with the header line
// "[{date}] - {author}" and returns the diary name and file name. now
// supplies the time of day of the file name.
func (s *Store) WriteEntry(req WriteRequest, now time.Time) (string, string, error) {
	author := strings.TrimSpace(req.Author)
	if author == "" || strings.TrimSpace(req.Date) == "" || req.Content == "" {
		return "", "", errors.New("author, date and content are required")
	}

	name := author
	if strings.HasPrefix(author, "[") {
		if end := strings.Index(author, "]"); end > 0 {
			name = strings.TrimSpace(author[1:end])
			author = strings.TrimSpace(author[end+1:])
		}
	}
	dir, err := s.Dir(name)
	if err != nil {
		return "", "", err
	}

	date := dateSeparators.ReplaceAllString(strings.TrimSpace(req.Date), "-")
	file := fmt.Sprintf("%s-%s.txt", date, now.In(timeparse.Beijing).Format("15_04_05"))
	if strings.ContainsAny(file, `/\`) {
		return "", "", fmt.Errorf("invalid date %q", req.Date)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating diary dir: %w", err)
	}
	content := fmt.Sprintf("[%s] - %s\n%s", date, author, req.Content)
	if err := blobstore.WriteFileAtomic(filepath.Join(dir, file), []byte(content), 0o644); err != nil {
		return "", "", fmt.Errorf("writing entry: %w", err)
	}
	slog.Info("diary: entry written", "diary", name, "file", file)
	return name, file, nil
}
