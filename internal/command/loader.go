package command

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/joss/agentgate/internal/domain"
	"github.com/joss/agentgate/internal/logging"
)

// DefaultPatterns locate template files under a codebase working directory.
// Earlier patterns win when two files map to the same command name.
var DefaultPatterns = []string{
	".claude/commands/**/*.md",
	".agents/commands/**/*.md",
}

// Template is a command template discovered on disk.
type Template struct {
	Name   string
	Body   string
	Path   string
	Params domain.CommandParams
}

// Loader discovers template files and registers them.
type Loader struct {
	registry *Registry
	patterns []string
	log      *logging.Logger
}

// NewLoader creates a loader. Nil patterns means DefaultPatterns.
func NewLoader(registry *Registry, patterns []string) *Loader {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	return &Loader{
		registry: registry,
		patterns: patterns,
		log:      logging.New("command-loader"),
	}
}

// Patterns returns the glob patterns in use.
func (l *Loader) Patterns() []string { return l.patterns }

// Registry returns the registry templates are loaded into.
func (l *Loader) Registry() *Registry { return l.registry }

// Load discovers the codebase's templates and registers each one.
func (l *Loader) Load(ctx context.Context, cb *domain.Codebase) (int, error) {
	templates, err := Discover(cb.WorkingDir, l.patterns)
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, t := range templates {
		_, err := l.registry.RegisterCommand(ctx, &domain.Command{
			CodebaseID: cb.ID,
			Name:       t.Name,
			Template:   t.Body,
			SourcePath: t.Path,
			Params:     t.Params,
		})
		if err != nil {
			return loaded, err
		}
		loaded++
	}
	l.log.Info("templates_loaded", logging.Fields{
		"codebase": cb.Name,
		"dir":      cb.WorkingDir,
		"count":    loaded,
	})
	return loaded, nil
}

// Discover finds template files under dir. Files with unreadable or
// malformed frontmatter are skipped.
func Discover(dir string, patterns []string) ([]Template, error) {
	log := logging.New("command-loader")
	fsys := os.DirFS(dir)
	seen := make(map[string]bool)
	var out []Template

	for _, pattern := range patterns {
		root := patternRoot(pattern)
		err := doublestar.GlobWalk(fsys, pattern, func(p string, d fs.DirEntry) error {
			if d.IsDir() {
				return nil
			}
			name := templateName(root, p)
			if name == "" || seen[name] {
				return nil
			}
			full := filepath.Join(dir, filepath.FromSlash(p))
			content, err := os.ReadFile(full)
			if err != nil {
				log.Warn("template_unreadable", logging.Fields{"path": full}, err)
				return nil
			}
			params, body, err := ParseTemplate(content)
			if err != nil {
				log.Warn("template_invalid", logging.Fields{"path": full}, err)
				return nil
			}
			seen[name] = true
			out = append(out, Template{Name: name, Body: body, Path: full, Params: params})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
	}
	return out, nil
}

// RootPaths returns the template root directory of each pattern under dir,
// whether or not it exists yet.
func RootPaths(dir string, patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		out = append(out, filepath.Join(dir, filepath.FromSlash(patternRoot(pattern))))
	}
	return out
}

// patternRoot is the literal directory prefix of a glob pattern.
func patternRoot(pattern string) string {
	base, _ := doublestar.SplitPattern(pattern)
	return base
}

// templateName maps "git/commit.md" under root to "git:commit".
func templateName(root, p string) string {
	rel := strings.TrimPrefix(p, root)
	rel = strings.TrimPrefix(rel, "/")
	rel = strings.TrimSuffix(rel, path.Ext(rel))
	if rel == "" {
		return ""
	}
	return strings.ToLower(strings.ReplaceAll(rel, "/", ":"))
}

const frontmatterDelim = "---"

// ParseTemplate splits optional YAML frontmatter from the template body.
func ParseTemplate(content []byte) (domain.CommandParams, string, error) {
	var params domain.CommandParams
	content = bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))
	content = bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))

	if !bytes.HasPrefix(content, []byte(frontmatterDelim+"\n")) {
		return params, strings.TrimSpace(string(content)), nil
	}
	rest := content[len(frontmatterDelim)+1:]
	end := bytes.Index(rest, []byte("\n"+frontmatterDelim))
	var front, body []byte
	switch {
	case bytes.HasPrefix(rest, []byte(frontmatterDelim)):
		front, body = nil, rest[len(frontmatterDelim):]
	case end < 0:
		return params, "", fmt.Errorf("unterminated frontmatter")
	default:
		front, body = rest[:end], rest[end+1+len(frontmatterDelim):]
	}

	if err := yaml.Unmarshal(front, &params); err != nil {
		return params, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	if params.MinArgs < 0 {
		return params, "", fmt.Errorf("min-args must be >= 0")
	}
	params.Consumes = strings.TrimSpace(params.Consumes)
	params.Produces = strings.TrimSpace(params.Produces)
	for field, kind := range map[string]string{"consumes": params.Consumes, "produces": params.Produces} {
		if kind != "" && !domain.ValidMetadataKey(kind) {
			return params, "", fmt.Errorf("%s: %q is not a valid artifact kind (lowercase letters, digits, underscore)", field, kind)
		}
	}
	return params, strings.TrimSpace(string(body)), nil
}
