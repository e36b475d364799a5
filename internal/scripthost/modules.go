package scripthost

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mbleigh/raymond"
	"gopkg.in/yaml.v3"

	"github.com/basket/agentrun/internal/audit"
	"github.com/basket/agentrun/internal/pathctx"
	"github.com/basket/agentrun/internal/policy"
)

// RegisterStandardModules wires every aip.* namespace a script can call:
// the stateless ones defined in this file (file, path, text, json, hash,
// uuid, semver, cmd, md, html, web, git, code, hbs) plus flow/task/run/
// agent/shape, which read their current run/task identity
// from the Scope attached to Eval's ctx (see runscope.go) rather than from
// a closure, since the same Host instance is shared across every run and
// sub-agent run.
//
// aip.rust, named alongside these in the standard library, is the original
// tool's own Rust-crate build tooling (cargo/packaging helpers for the
// aipack binary itself) and has no counterpart in an agent runtime; it is
// deliberately not registered.
func RegisterStandardModules(h *Host, pc pathctx.PathContext, pol policy.Checker) {
	h.RegisterModule("text", textModule())
	h.RegisterModule("json", jsonModule())
	h.RegisterModule("hash", hashModule())
	h.RegisterModule("uuid", uuidModule())
	h.RegisterModule("semver", semverModule())
	h.RegisterModule("path", pathModule(pc))
	h.RegisterModule("file", fileModule(pc, pol))
	h.RegisterModule("cmd", cmdModule(pol))
	h.RegisterModule("md", mdModule())
	h.RegisterModule("html", htmlModule())
	h.RegisterModule("code", codeModule())
	h.RegisterModule("hbs", hbsModule())
	h.RegisterModule("web", webModule(pol))
	h.RegisterModule("git", gitModule(pc, pol))
	RegisterRunModules(h)
}

func decodeArgs[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}

func textModule() map[string]HostFunc {
	return map[string]HostFunc{
		"trim": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct{ Content string }](raw)
			if err != nil {
				return nil, err
			}
			return strings.TrimSpace(args.Content), nil
		},
		"split_first": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct{ Content, Sep string }](raw)
			if err != nil {
				return nil, err
			}
			parts := strings.SplitN(args.Content, args.Sep, 2)
			return parts, nil
		},
		"replace": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct{ Content, From, To string }](raw)
			if err != nil {
				return nil, err
			}
			return strings.ReplaceAll(args.Content, args.From, args.To), nil
		},
		"truncate": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct {
				Content string
				Max     int
			}](raw)
			if err != nil {
				return nil, err
			}
			if len(args.Content) <= args.Max {
				return args.Content, nil
			}
			return args.Content[:args.Max], nil
		},
	}
}

func jsonModule() map[string]HostFunc {
	return map[string]HostFunc{
		"parse": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct{ Content string }](raw)
			if err != nil {
				return nil, err
			}
			var v any
			if err := json.Unmarshal([]byte(args.Content), &v); err != nil {
				return nil, fmt.Errorf("json.parse: %w", err)
			}
			return v, nil
		},
		"stringify": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct{ Value any }](raw)
			if err != nil {
				return nil, err
			}
			b, err := json.MarshalIndent(args.Value, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("json.stringify: %w", err)
			}
			return string(b), nil
		},
	}
}

func hashModule() map[string]HostFunc {
	return map[string]HostFunc{
		"sha256": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct{ Content string }](raw)
			if err != nil {
				return nil, err
			}
			sum := sha256.Sum256([]byte(args.Content))
			return hex.EncodeToString(sum[:]), nil
		},
	}
}

func uuidModule() map[string]HostFunc {
	return map[string]HostFunc{
		"v4": func(_ context.Context, _ json.RawMessage) (Value, error) {
			return uuid.NewString(), nil
		},
		"v7": func(_ context.Context, _ json.RawMessage) (Value, error) {
			id, err := uuid.NewV7()
			if err != nil {
				return nil, err
			}
			return id.String(), nil
		},
	}
}

func semverModule() map[string]HostFunc {
	return map[string]HostFunc{
		"compare": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct{ A, B string }](raw)
			if err != nil {
				return nil, err
			}
			return compareSemver(args.A, args.B), nil
		},
	}
}

// compareSemver does a best-effort dotted-numeric comparison (no pre-release
// or build-metadata handling); returns -1, 0, or 1.
func compareSemver(a, b string) int {
	pa, pb := strings.Split(strings.TrimPrefix(a, "v"), "."), strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var na, nb int
		if i < len(pa) {
			na, _ = strconv.Atoi(pa[i])
		}
		if i < len(pb) {
			nb, _ = strconv.Atoi(pb[i])
		}
		if na != nb {
			if na < nb {
				return -1
			}
			return 1
		}
	}
	return 0
}

func pathModule(pc pathctx.PathContext) map[string]HostFunc {
	return map[string]HostFunc{
		"resolve": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct{ Ref string }](raw)
			if err != nil {
				return nil, err
			}
			return pc.Resolve(args.Ref)
		},
		"join": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct{ Parts []string }](raw)
			if err != nil {
				return nil, err
			}
			return filepath.Join(args.Parts...), nil
		},
	}
}

// auditPathDecision records an allow/deny decision against a filesystem
// path check, for the allow/deny audit trail.
func auditPathDecision(pol policy.Checker, fn, path string, allowed bool) {
	decision := "allow"
	if !allowed {
		decision = "deny"
	}
	version := ""
	if pol != nil {
		version = pol.PolicyVersion()
	}
	audit.Record(decision, fn, "", version, path)
}

func fileModule(pc pathctx.PathContext, pol policy.Checker) map[string]HostFunc {
	return map[string]HostFunc{
		"load": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct{ Ref string }](raw)
			if err != nil {
				return nil, err
			}
			abs, err := pc.Resolve(args.Ref)
			if err != nil {
				return nil, err
			}
			allowed := pol == nil || pol.AllowPath(abs)
			auditPathDecision(pol, "file.load", abs, allowed)
			if !allowed {
				return nil, fmt.Errorf("file.load: path not allowed: %s", abs)
			}
			b, err := os.ReadFile(abs)
			if err != nil {
				return nil, err
			}
			return string(b), nil
		},
		"load_yaml": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct{ Ref string }](raw)
			if err != nil {
				return nil, err
			}
			abs, err := pc.Resolve(args.Ref)
			if err != nil {
				return nil, err
			}
			allowed := pol == nil || pol.AllowPath(abs)
			auditPathDecision(pol, "file.load_yaml", abs, allowed)
			if !allowed {
				return nil, fmt.Errorf("file.load_yaml: path not allowed: %s", abs)
			}
			b, err := os.ReadFile(abs)
			if err != nil {
				return nil, fmt.Errorf("file.load_yaml: %w", err)
			}
			return parseYAMLDocs(b)
		},
		"save": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct{ Ref, Content string }](raw)
			if err != nil {
				return nil, err
			}
			abs, err := pc.Resolve(args.Ref)
			if err != nil {
				return nil, err
			}
			if !pc.AllowWrite(abs) {
				return nil, fmt.Errorf("file.save: write outside workspace/base rejected: %s", abs)
			}
			allowed := pol == nil || pol.AllowPath(abs)
			auditPathDecision(pol, "file.save", abs, allowed)
			if !allowed {
				return nil, fmt.Errorf("file.save: path not allowed: %s", abs)
			}
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(abs, []byte(args.Content), 0o644); err != nil {
				return nil, err
			}
			return nil, nil
		},
		"list": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct{ Ref string }](raw)
			if err != nil {
				return nil, err
			}
			abs, err := pc.Resolve(args.Ref)
			if err != nil {
				return nil, err
			}
			entries, err := os.ReadDir(abs)
			if err != nil {
				return nil, err
			}
			names := make([]string, 0, len(entries))
			for _, e := range entries {
				names = append(names, e.Name())
			}
			sort.Strings(names)
			return names, nil
		},
		// glob finds files under a base directory matching one or more glob
		// patterns; "**" in a pattern walks the whole subtree instead of a
		// single directory level, the one thing filepath.Glob can't do.
		"glob": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct {
				Globs  []string
				Base   string
				AbsOut bool
			}](raw)
			if err != nil {
				return nil, err
			}
			base := args.Base
			if base == "" {
				base = "."
			}
			abs, err := pc.Resolve(base)
			if err != nil {
				return nil, err
			}
			var matches []string
			for _, pattern := range args.Globs {
				found, err := globMatch(abs, pattern)
				if err != nil {
					return nil, fmt.Errorf("file.glob: %w", err)
				}
				matches = append(matches, found...)
			}
			sort.Strings(matches)
			if args.AbsOut {
				return matches, nil
			}
			rel := make([]string, 0, len(matches))
			for _, m := range matches {
				r, err := filepath.Rel(abs, m)
				if err != nil {
					r = m
				}
				rel = append(rel, r)
			}
			return rel, nil
		},
	}
}

// globMatch expands pattern against files under base. A pattern containing
// "**" walks the whole subtree and matches the remainder against each
// path's final segments; otherwise it's a plain filepath.Glob under base.
func globMatch(base, pattern string) ([]string, error) {
	if !strings.Contains(pattern, "**") {
		return filepath.Glob(filepath.Join(base, pattern))
	}
	suffix := strings.TrimPrefix(pattern, "**/")
	var matches []string
	err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return nil
		}
		if ok, _ := filepath.Match(suffix, filepath.Base(rel)); ok {
			matches = append(matches, path)
			return nil
		}
		if ok, _ := filepath.Match(suffix, rel); ok {
			matches = append(matches, path)
		}
		return nil
	})
	return matches, err
}

// auditCapabilityDecision records an allow/deny decision against a
// capability check, for the allow/deny audit trail.
func auditCapabilityDecision(pol policy.Checker, capability, subject string, allowed bool) {
	decision := "allow"
	if !allowed {
		decision = "deny"
	}
	version := ""
	if pol != nil {
		version = pol.PolicyVersion()
	}
	audit.Record(decision, capability, "", version, subject)
}

func cmdModule(pol policy.Checker) map[string]HostFunc {
	return map[string]HostFunc{
		"exec": func(ctx context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct {
				Cmd  string
				Args []string
			}](raw)
			if err != nil {
				return nil, err
			}
			allowed := pol == nil || pol.AllowCapability("script.cmd.exec")
			auditCapabilityDecision(pol, "script.cmd.exec", args.Cmd, allowed)
			if !allowed {
				return nil, fmt.Errorf("cmd.exec: capability denied by policy")
			}
			c := exec.CommandContext(ctx, args.Cmd, args.Args...)
			var stdout, stderr bytes.Buffer
			c.Stdout, c.Stderr = &stdout, &stderr
			runErr := c.Run()
			result := map[string]any{
				"stdout": stdout.String(),
				"stderr": stderr.String(),
				"code":   c.ProcessState.ExitCode(),
			}
			if runErr != nil {
				if _, ok := runErr.(*exec.ExitError); !ok {
					return result, runErr
				}
			}
			return result, nil
		},
	}
}

// parseYAMLDocs splits b on "---" document separators and parses each
// document independently, the same way a multi-document YAML stream is
// read: any number of documents, each its own value in the result.
func parseYAMLDocs(b []byte) ([]any, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	var docs []any
	for {
		var v any
		err := dec.Decode(&v)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		docs = append(docs, v)
	}
	return docs, nil
}

// mdHeading is the parsed form of a single markdown heading line.
type mdHeading struct {
	Content string `json:"content"`
	Level   int    `json:"level"`
	Name    string `json:"name"`
}

// mdSection is one heading (or the leading unheaded block) and the lines
// that belong to it, up to the next heading of any level.
type mdSection struct {
	Content string     `json:"content"`
	Heading *mdHeading `json:"heading,omitempty"`
}

// parseMdHeading reports whether line is a markdown heading ("#" repeated,
// then a space, then the heading text) and returns its parsed form.
func parseMdHeading(line string) (mdHeading, bool) {
	trimmed := strings.TrimLeft(line, "#")
	level := len(line) - len(trimmed)
	if level == 0 || level > 6 {
		return mdHeading{}, false
	}
	if !strings.HasPrefix(trimmed, " ") && trimmed != "" {
		return mdHeading{}, false
	}
	return mdHeading{Content: line, Level: level, Name: strings.TrimSpace(trimmed)}, true
}

// mdSections splits content into one section per heading line, plus a
// leading section (no heading) for any content before the first one. When
// headings is non-empty, only sections whose heading name exactly matches
// one of them are returned.
func mdSections(content string, headings []string) []mdSection {
	lines := strings.Split(content, "\n")
	var sections []mdSection
	var cur strings.Builder
	var curHeading *mdHeading

	flush := func() {
		if cur.Len() == 0 && curHeading == nil {
			return
		}
		sections = append(sections, mdSection{Content: cur.String(), Heading: curHeading})
		cur.Reset()
	}
	for _, line := range lines {
		if h, ok := parseMdHeading(line); ok {
			flush()
			hc := h
			curHeading = &hc
			cur.WriteString(line)
			cur.WriteString("\n")
			continue
		}
		cur.WriteString(line)
		cur.WriteString("\n")
	}
	flush()

	if len(headings) == 0 {
		return sections
	}
	want := map[string]bool{}
	for _, h := range headings {
		want[h] = true
	}
	var filtered []mdSection
	for _, s := range sections {
		if s.Heading != nil && want[s.Heading.Name] {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// mdSplitFirst splits content around the first heading encountered: the
// text before it, the first section (its heading plus everything up to the
// next heading at the same or a shallower level), and everything after.
func mdSplitFirst(content string) (before string, first mdSection, after string) {
	lines := strings.Split(content, "\n")
	firstIdx := -1
	var firstHeading mdHeading
	for i, line := range lines {
		if h, ok := parseMdHeading(line); ok {
			firstIdx = i
			firstHeading = h
			break
		}
	}
	if firstIdx < 0 {
		return content, mdSection{}, ""
	}
	before = strings.Join(lines[:firstIdx], "\n")

	boundary := len(lines)
	for i := firstIdx + 1; i < len(lines); i++ {
		if h, ok := parseMdHeading(lines[i]); ok && h.Level <= firstHeading.Level {
			boundary = i
			break
		}
	}
	first = mdSection{
		Content: strings.Join(lines[firstIdx:boundary], "\n"),
		Heading: &firstHeading,
	}
	if boundary < len(lines) {
		after = strings.Join(lines[boundary:], "\n")
	}
	return before, first, after
}

// mdModule splits markdown text into sections by heading: find a section
// by name, or split a document around its first heading.
func mdModule() map[string]HostFunc {
	return map[string]HostFunc{
		"sections": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct {
				Content  string
				Headings []string
			}](raw)
			if err != nil {
				return nil, err
			}
			return mdSections(args.Content, args.Headings), nil
		},
		"split_first": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct{ Content string }](raw)
			if err != nil {
				return nil, err
			}
			before, first, after := mdSplitFirst(args.Content)
			return map[string]any{"before": before, "first": first, "after": after}, nil
		},
	}
}

var htmlTagRe = regexp.MustCompile(`(?is)<script.*?</script>|<style.*?</style>|<[^>]+>`)

// htmlModule strips markup down to plain text. There's no HTML parser in
// the dependency set, so this is a best-effort regexp pass: script/style
// blocks are dropped whole, remaining tags are removed, and entities are
// unescaped via the standard library.
func htmlModule() map[string]HostFunc {
	return map[string]HostFunc{
		"to_text": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct{ Content string }](raw)
			if err != nil {
				return nil, err
			}
			stripped := htmlTagRe.ReplaceAllString(args.Content, "\n")
			return html.UnescapeString(strings.TrimSpace(stripped)), nil
		},
	}
}

var codeBlockRe = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)\\n(.*?)```")

// codeModule pulls fenced code blocks out of markdown/text content.
func codeModule() map[string]HostFunc {
	return map[string]HostFunc{
		"blocks": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct{ Content string }](raw)
			if err != nil {
				return nil, err
			}
			matches := codeBlockRe.FindAllStringSubmatch(args.Content, -1)
			blocks := make([]map[string]any, 0, len(matches))
			for _, m := range matches {
				blocks = append(blocks, map[string]any{"lang": m[1], "content": m[2]})
			}
			return blocks, nil
		},
	}
}

// hbsModule renders Handlebars-style templates deterministically via
// raymond -- no ambient state, no random helpers.
func hbsModule() map[string]HostFunc {
	return map[string]HostFunc{
		"render": func(_ context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct {
				Template string
				Data     any
			}](raw)
			if err != nil {
				return nil, err
			}
			out, err := raymond.Render(args.Template, args.Data)
			if err != nil {
				return nil, fmt.Errorf("hbs.render: %w", err)
			}
			return out, nil
		},
	}
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// webModule fetches remote content, gated by both the script.web.fetch
// capability and the policy's domain allow-list.
func webModule(pol policy.Checker) map[string]HostFunc {
	return map[string]HostFunc{
		"get": func(ctx context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct{ URL string }](raw)
			if err != nil {
				return nil, err
			}
			capOK := pol == nil || pol.AllowCapability("script.web.fetch")
			auditCapabilityDecision(pol, "script.web.fetch", args.URL, capOK)
			if !capOK {
				return nil, fmt.Errorf("web.get: capability denied by policy")
			}
			urlOK := pol == nil || pol.AllowHTTPURL(args.URL)
			auditPathDecision(pol, "web.get", args.URL, urlOK)
			if !urlOK {
				return nil, fmt.Errorf("web.get: url not allowed: %s", args.URL)
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, args.URL, nil)
			if err != nil {
				return nil, fmt.Errorf("web.get: %w", err)
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return nil, fmt.Errorf("web.get: %w", err)
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("web.get: %w", err)
			}
			return map[string]any{
				"status": resp.StatusCode,
				"body":   string(body),
			}, nil
		},
	}
}

// gitModule runs a narrow set of git operations against the workspace
// directory; the rest of the git CLI's surface is out of scope.
func gitModule(pc pathctx.PathContext, pol policy.Checker) map[string]HostFunc {
	return map[string]HostFunc{
		"restore": func(ctx context.Context, raw json.RawMessage) (Value, error) {
			args, err := decodeArgs[struct{ Path string }](raw)
			if err != nil {
				return nil, err
			}
			allowed := pol == nil || pol.AllowCapability("script.git.exec")
			auditCapabilityDecision(pol, "script.git.exec", args.Path, allowed)
			if !allowed {
				return nil, fmt.Errorf("git.restore: capability denied by policy")
			}
			wsDir, err := pc.Resolve("$workspace")
			if err != nil {
				return nil, fmt.Errorf("git.restore: %w", err)
			}
			c := exec.CommandContext(ctx, "git", "restore", args.Path)
			c.Dir = wsDir
			var stdout, stderr bytes.Buffer
			c.Stdout, c.Stderr = &stdout, &stderr
			if err := c.Run(); err != nil {
				return nil, fmt.Errorf("git restore %s: %w: %s", args.Path, err, stderr.String())
			}
			if stderr.Len() > 0 {
				return nil, fmt.Errorf("git restore %s failed: %s", args.Path, stderr.String())
			}
			return stdout.String(), nil
		},
	}
}
