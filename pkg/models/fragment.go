package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// BinaryPlaceholder stands in for binary asset content. It is never written to a sandbox.
const BinaryPlaceholder = "[[binary-asset]]"

// IsBinaryPlaceholder reports whether content is the binary asset placeholder.
func IsBinaryPlaceholder(content string) bool {
	return content == BinaryPlaceholder
}

// FileMap maps sandbox-relative paths to file contents.
type FileMap map[string]string

// Clone returns a shallow copy; strings are immutable so this is a full copy.
func (m FileMap) Clone() FileMap {
	out := make(FileMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Paths returns the keys in sorted order.
func (m FileMap) Paths() []string {
	paths := make([]string, 0, len(m))
	for k := range m {
		paths = append(paths, k)
	}
	sort.Strings(paths)
	return paths
}

// Value implements driver.Valuer for database serialization.
func (m FileMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]string(m))
}

// Scan implements sql.Scanner for database deserialization.
func (m *FileMap) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*m = FileMap{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into FileMap", value)
	}
	out := map[string]string{}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

// Fragment is an immutable snapshot of a project's files.
// Fragments are never updated; a change produces a new fragment.
type Fragment struct {
	ID        uuid.UUID `json:"id"`
	Seq       int64     `json:"seq"`
	ProjectID uuid.UUID `json:"project_id"`
	Title     string    `json:"title"`
	Files     FileMap   `json:"files"`
	CreatedAt time.Time `json:"created_at"`
}

// FragmentDiff lists the paths that differ between two fragments.
type FragmentDiff struct {
	FromID   uuid.UUID `json:"from_id"`
	ToID     uuid.UUID `json:"to_id"`
	Added    []string  `json:"added"`
	Removed  []string  `json:"removed"`
	Modified []string  `json:"modified"`
}

// DiffFileMaps compares two file maps path by path. Results are sorted.
func DiffFileMaps(from, to FileMap) (added, removed, modified []string) {
	added, removed, modified = []string{}, []string{}, []string{}
	for _, p := range to.Paths() {
		prev, ok := from[p]
		switch {
		case !ok:
			added = append(added, p)
		case prev != to[p]:
			modified = append(modified, p)
		}
	}
	for _, p := range from.Paths() {
		if _, ok := to[p]; !ok {
			removed = append(removed, p)
		}
	}
	return added, removed, modified
}

// GitFragment records a commit made in a git-capable sandbox.
type GitFragment struct {
	ID          uuid.UUID `json:"id"`
	ProjectID   uuid.UUID `json:"project_id"`
	CommitHash  string    `json:"commit_hash"`
	Branch      string    `json:"branch"`
	Message     string    `json:"message"`
	AuthorName  string    `json:"author_name"`
	AuthorEmail string    `json:"author_email"`
	CreatedAt   time.Time `json:"created_at"`
}
