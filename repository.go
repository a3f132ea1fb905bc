package extraction

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// KnowledgeEntry is one live unit of accumulated knowledge for a label.
type KnowledgeEntry struct {
	Label          string         `json:"label"`
	Version        int            `json:"version"`
	Parser         ParserPack     `json:"-"`
	Validation     ValidationPack `json:"-"`
	GabaritoDigest string         `json:"gabaritoDigest"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// ParserRepository is the durable per-label knowledge store. On disk each
// label owns a directory with one JSON file per pack and version
// (parser.v{N}.json, validation.v{N}.json, meta.v{N}.json) plus a `current`
// file naming the live version. Every write lands in a temp file first and
// is published with an atomic rename, so a crash either fully publishes or
// fully discards an entry. Writes are serialized per label; reads observe
// the latest fully-published version.
type ParserRepository struct {
	root string
	log  *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewParserRepository opens (and creates if needed) the repository rooted at
// dir.
func NewParserRepository(dir string, log *slog.Logger) (*ParserRepository, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("repository: create root: %w", err)
	}
	return &ParserRepository{
		root:  dir,
		log:   log,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// GabaritoDigest is the content address of a gabarito: SHA-256 over its
// canonical (RFC 8785) JSON form, so key order never changes the digest.
func GabaritoDigest(gabarito FieldRecord) (string, error) {
	raw, err := json.Marshal(gabarito)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Get loads the live entry for a label. A miss returns (nil, nil). A
// structurally broken entry is quarantined on the spot and reported as
// ErrCorruptEntry; the caller treats it as a miss and may relearn.
func (r *ParserRepository) Get(label string) (*KnowledgeEntry, error) {
	lock := r.labelLock(label)
	lock.Lock()
	defer lock.Unlock()

	dir := r.labelDir(label)
	version, err := r.readCurrent(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.log.Debug("knowledge miss", "label", label)
			return nil, nil
		}
		return nil, r.quarantine(label, dir, fmt.Errorf("read current: %w", err))
	}

	entry, err := r.loadVersion(label, dir, version)
	if err != nil {
		return nil, r.quarantine(label, dir, err)
	}

	r.log.Debug("knowledge hit", "label", label, "version", entry.Version)
	return entry, nil
}

// Put publishes a new version for the label. Writing a version not strictly
// greater than the live one is a no-op; torn packs are impossible because
// `current` is renamed into place only after all three files exist.
func (r *ParserRepository) Put(label string, version int, parser ParserPack, validation ValidationPack, digest string) error {
	if version < 1 {
		return fmt.Errorf("repository: version must be positive, got %d", version)
	}
	if err := validatePatterns(parser); err != nil {
		return fmt.Errorf("repository: refusing pack for %q: %w", label, err)
	}

	lock := r.labelLock(label)
	lock.Lock()
	defer lock.Unlock()

	dir := r.labelDir(label)
	if existing, err := r.readCurrent(dir); err == nil && existing >= version {
		r.log.Debug("stale put ignored", "label", label, "live", existing, "offered", version)
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("repository: create label dir: %w", err)
	}

	meta := KnowledgeEntry{
		Label:          label,
		Version:        version,
		GabaritoDigest: digest,
		CreatedAt:      time.Now().UTC(),
	}

	files := []struct {
		name string
		data any
	}{
		{fmt.Sprintf("parser.v%d.json", version), parser},
		{fmt.Sprintf("validation.v%d.json", version), validation},
		{fmt.Sprintf("meta.v%d.json", version), meta},
	}
	for _, f := range files {
		if err := writeAtomic(filepath.Join(dir, f.name), f.data); err != nil {
			return fmt.Errorf("repository: write %s: %w", f.name, err)
		}
	}

	// Publishing the version pointer is the commit point.
	if err := writeAtomicRaw(filepath.Join(dir, "current"), []byte(strconv.Itoa(version))); err != nil {
		return fmt.Errorf("repository: publish current: %w", err)
	}

	r.log.Info("knowledge published", "label", label, "version", version)
	return nil
}

// Clear removes all knowledge for a label.
func (r *ParserRepository) Clear(label string) error {
	lock := r.labelLock(label)
	lock.Lock()
	defer lock.Unlock()
	return os.RemoveAll(r.labelDir(label))
}

func (r *ParserRepository) labelLock(label string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[label]
	if !ok {
		l = &sync.Mutex{}
		r.locks[label] = l
	}
	return l
}

// labelDir encodes the label into a filesystem-safe directory name: letters,
// digits, '-' and '_' pass through, everything else is dropped.
func (r *ParserRepository) labelDir(label string) string {
	var b strings.Builder
	for _, c := range label {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' {
			b.WriteRune(c)
		}
	}
	safe := b.String()
	if safe == "" {
		safe = "_"
	}
	return filepath.Join(r.root, safe)
}

func (r *ParserRepository) readCurrent(dir string) (int, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "current"))
	if err != nil {
		return 0, err
	}
	version, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || version < 1 {
		return 0, fmt.Errorf("%w: bad current pointer %q", ErrCorruptEntry, strings.TrimSpace(string(raw)))
	}
	return version, nil
}

func (r *ParserRepository) loadVersion(label, dir string, version int) (*KnowledgeEntry, error) {
	var parser ParserPack
	if err := readJSON(filepath.Join(dir, fmt.Sprintf("parser.v%d.json", version)), &parser); err != nil {
		return nil, fmt.Errorf("%w: parser pack: %v", ErrCorruptEntry, err)
	}
	if err := validatePatterns(parser); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}

	var validation ValidationPack
	if err := readJSON(filepath.Join(dir, fmt.Sprintf("validation.v%d.json", version)), &validation); err != nil {
		return nil, fmt.Errorf("%w: validation pack: %v", ErrCorruptEntry, err)
	}
	for field, p := range validation {
		switch p.Kind {
		case PredicateLengthRange, PredicateCharClass, PredicateEnum, PredicateFormat, PredicateNonEmpty:
		default:
			return nil, fmt.Errorf("%w: field %q has unknown predicate kind %q", ErrCorruptEntry, field, p.Kind)
		}
	}

	var meta KnowledgeEntry
	if err := readJSON(filepath.Join(dir, fmt.Sprintf("meta.v%d.json", version)), &meta); err != nil {
		return nil, fmt.Errorf("%w: meta: %v", ErrCorruptEntry, err)
	}
	if meta.Version != version {
		return nil, fmt.Errorf("%w: meta version %d does not match current %d", ErrCorruptEntry, meta.Version, version)
	}

	meta.Parser = parser
	meta.Validation = validation
	return &meta, nil
}

// quarantine renames a broken entry out of the way instead of deleting it,
// so it stays available for inspection, and reports the corruption.
func (r *ParserRepository) quarantine(label, dir string, cause error) error {
	dest := fmt.Sprintf("%s.quarantine-%d", dir, time.Now().UnixNano())
	if err := os.Rename(dir, dest); err != nil {
		r.log.Error("quarantine rename failed", "label", label, "error", err)
	} else {
		r.log.Warn("knowledge entry quarantined", "label", label, "dest", dest, "cause", cause)
	}
	if errors.Is(cause, ErrCorruptEntry) {
		return cause
	}
	return fmt.Errorf("%w: %v", ErrCorruptEntry, cause)
}

func validatePatterns(pack ParserPack) error {
	for _, rule := range pack {
		if rule.Field == "" {
			return fmt.Errorf("rule with empty field name")
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return fmt.Errorf("field %q: %w", rule.Field, err)
		}
		if re.NumSubexp() < 1 {
			return fmt.Errorf("field %q: pattern has no capture group", rule.Field)
		}
	}
	return nil
}

func writeAtomic(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomicRaw(path, raw)
}

func writeAtomicRaw(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
