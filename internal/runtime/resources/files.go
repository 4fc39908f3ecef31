package resources

import (
	"encoding/base64"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	rterrors "github.com/fly-cli/flybridge/internal/runtime/errors"
	"github.com/fly-cli/flybridge/wire"
)

// FileScheme is the URI scheme of the sandboxed file provider.
const FileScheme = "file"

// DefaultFileSuffixes is the allow-list applied when a FileProvider is built
// without one. It covers the files a Flutter project tree is made of.
var DefaultFileSuffixes = []string{
	".dart", ".yaml", ".yml", ".json", ".md",
	".gradle", ".kts", ".kt", ".swift", ".xml", ".plist",
	".arb", ".lock", ".properties",
}

// FileProvider serves read-only file resources from a sandbox root. Every
// path is resolved relative to the root and anything escaping it is refused,
// whatever traversal form the URI used.
type FileProvider struct {
	root string
	// realRoot is root with symlinks resolved, the base every resolved
	// target is checked against.
	realRoot string
	suffixes []string
	exact    map[string]struct{}
}

// NewFileProvider builds a provider rooted at root. allow entries starting
// with a dot are suffix filters; anything else must match a file name
// exactly. An empty allow list falls back to DefaultFileSuffixes.
func NewFileProvider(root string, allow []string) (*FileProvider, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("resources: file provider needs a sandbox root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resources: resolving sandbox root: %w", err)
	}

	if len(allow) == 0 {
		allow = DefaultFileSuffixes
	}
	p := &FileProvider{root: abs, realRoot: abs, exact: make(map[string]struct{})}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		p.realRoot = real
	}
	for _, entry := range allow {
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, ".") {
			p.suffixes = append(p.suffixes, entry)
		} else {
			p.exact[entry] = struct{}{}
		}
	}
	return p, nil
}

// Root returns the absolute sandbox root.
func (p *FileProvider) Root() string { return p.root }

func (p *FileProvider) Scheme() string { return FileScheme }

// Entries walks the sandbox and lists every allowed file as
// "file://<relative path>", forward slashes on every platform. The walk skips
// hidden directories and common build output so listings stay project-sized.
func (p *FileProvider) Entries(prefix string) ([]wire.ResourceDescriptor, error) {
	var items []wire.ResourceDescriptor

	err := filepath.WalkDir(p.root, func(fullPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if fullPath != p.root && skipDir(name) {
				return filepath.SkipDir
			}
			return nil
		}
		if !p.allowed(name) {
			return nil
		}

		rel, err := filepath.Rel(p.root, fullPath)
		if err != nil {
			return err
		}
		uri := FileScheme + "://" + filepath.ToSlash(rel)
		if prefix != "" && !strings.HasPrefix(uri, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		items = append(items, wire.ResourceDescriptor{
			URI:      uri,
			Name:     path.Base(filepath.ToSlash(rel)),
			MimeType: mimeTypeFor(name),
			Size:     info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resources: listing sandbox: %w", err)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].URI < items[j].URI })
	return items, nil
}

// Read resolves the URI inside the sandbox and returns the requested byte
// range. Offsets are clamped into the file; text comes back UTF-8, anything
// else base64.
func (p *FileProvider) Read(params wire.ReadResourceParams) (wire.ReadResourceResult, error) {
	fullPath, err := p.resolve(params.URI)
	if err != nil {
		return wire.ReadResourceResult{}, err
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return wire.ReadResourceResult{}, rterrors.NotFound(fmt.Sprintf("resource %q", params.URI))
		}
		return wire.ReadResourceResult{}, fmt.Errorf("resources: reading %s: %w", params.URI, err)
	}

	total := int64(len(data))
	start, length := ClampRange(total, params.Start, params.Length)
	slice := data[start : start+length]

	content, encoding := encodeContent(slice)
	return wire.ReadResourceResult{
		URI:      params.URI,
		MimeType: mimeTypeFor(filepath.Base(fullPath)),
		Content:  content,
		Encoding: encoding,
		Total:    total,
		Start:    start,
		Length:   length,
	}, nil
}

// resolve maps a file URI onto a sandboxed absolute path, rejecting absolute
// paths and any traversal that lands outside the root. Symlinks are resolved
// before the containment check, so a link inside the sandbox cannot reach
// through it.
func (p *FileProvider) resolve(uri string) (string, error) {
	scheme, rest, ok := SplitURI(uri)
	if !ok || scheme != FileScheme {
		return "", rterrors.NotFound(fmt.Sprintf("resource %q", uri))
	}
	rel := strings.TrimSpace(rest)
	if rel == "" {
		return "", rterrors.NotFound(fmt.Sprintf("resource %q", uri))
	}
	if path.IsAbs(rel) || filepath.IsAbs(filepath.FromSlash(rel)) {
		return "", rterrors.NotFound(fmt.Sprintf("resource %q escapes the sandbox", uri))
	}

	target := filepath.Join(p.root, filepath.FromSlash(rel))
	if !contained(p.root, target) {
		return "", rterrors.NotFound(fmt.Sprintf("resource %q escapes the sandbox", uri))
	}

	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		if os.IsNotExist(err) {
			return "", rterrors.NotFound(fmt.Sprintf("resource %q", uri))
		}
		return "", fmt.Errorf("resources: resolving %s: %w", uri, err)
	}
	if !contained(p.realRoot, resolved) {
		return "", rterrors.NotFound(fmt.Sprintf("resource %q escapes the sandbox", uri))
	}
	return resolved, nil
}

// contained reports whether target sits at or under root, both absolute.
func contained(root, target string) bool {
	inside, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return inside != ".." && !strings.HasPrefix(inside, ".."+string(os.PathSeparator))
}

func (p *FileProvider) allowed(name string) bool {
	if _, ok := p.exact[name]; ok {
		return true
	}
	for _, suffix := range p.suffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func skipDir(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	switch name {
	case "build", "node_modules", "Pods", ".dart_tool":
		return true
	}
	return false
}

func encodeContent(data []byte) (content, encoding string) {
	if utf8.Valid(data) {
		return string(data), wire.EncodingUTF8
	}
	return base64.StdEncoding.EncodeToString(data), wire.EncodingBase64
}

func mimeTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".dart":
		return "text/x-dart"
	case ".json", ".arb":
		return "application/json"
	case ".yaml", ".yml", ".lock":
		return "application/yaml"
	case ".md":
		return "text/markdown"
	case ".xml", ".plist":
		return "application/xml"
	default:
		return "text/plain"
	}
}
