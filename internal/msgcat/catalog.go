// Package msgcat holds the text of outward notifications. Templates are compiled
// once at load; a catalog that misses a key its caller needs fails to load.
package msgcat

import (
    "embed"
    "fmt"
    "io/fs"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "text/template"

    yaml "gopkg.in/yaml.v3"
)

//go:embed messages.en.yaml
var defaultFiles embed.FS

const defaultFile = "messages.en.yaml"

type Catalog struct {
    tpl map[string]*template.Template // dot-joined key -> compiled template
}

// New compiles the embedded messages, then the *.yaml / *.yml files of overrideDir
// in name order. A key may be overridden once. Every name in required must resolve.
func New(overrideDir string, required ...string) (*Catalog, error) {
    src := make(map[string]string)
    raw, err := fs.ReadFile(defaultFiles, defaultFile)
    if err != nil { return nil, fmt.Errorf("msgcat: embedded messages: %w", err) }
    if err := flatten(raw, src); err != nil { return nil, fmt.Errorf("msgcat: %s: %w", defaultFile, err) }

    if dir := strings.TrimSpace(overrideDir); dir != "" {
        if err := overlay(dir, src); err != nil { return nil, err }
    }

    c := &Catalog{tpl: make(map[string]*template.Template, len(src))}
    for key, text := range src {
        if strings.TrimSpace(text) == "" { continue }
        t, err := template.New(key).Option("missingkey=error").Parse(text)
        if err != nil { return nil, fmt.Errorf("msgcat: %s: %w", key, err) }
        c.tpl[key] = t
    }
    var missing []string
    for _, key := range required {
        if _, ok := c.tpl[key]; !ok { missing = append(missing, key) }
    }
    if len(missing) > 0 {
        sort.Strings(missing)
        return nil, fmt.Errorf("msgcat: missing templates: %s", strings.Join(missing, ", "))
    }
    return c, nil
}

func overlay(dir string, dst map[string]string) error {
    entries, err := os.ReadDir(dir)
    if err != nil { return fmt.Errorf("msgcat: read %s: %w", dir, err) }
    var names []string
    for _, e := range entries {
        ext := strings.ToLower(filepath.Ext(e.Name()))
        if !e.IsDir() && (ext == ".yaml" || ext == ".yml") { names = append(names, e.Name()) }
    }
    sort.Strings(names)
    owner := make(map[string]string)
    for _, name := range names {
        b, err := os.ReadFile(filepath.Join(dir, name))
        if err != nil { return fmt.Errorf("msgcat: read %s: %w", name, err) }
        layer := make(map[string]string)
        if err := flatten(b, layer); err != nil { return fmt.Errorf("msgcat: %s: %w", name, err) }
        for k, v := range layer {
            if prev, ok := owner[k]; ok {
                return fmt.Errorf("msgcat: %q overridden by both %s and %s", k, prev, name)
            }
            owner[k] = name
            dst[k] = v
        }
    }
    return nil
}

// flatten decodes a YAML tree whose leaves are strings into dot-joined keys.
func flatten(b []byte, out map[string]string) error {
    var root yaml.Node
    if err := yaml.Unmarshal(b, &root); err != nil { return err }
    if len(root.Content) == 0 { return nil }
    return walk(root.Content[0], "", out)
}

func walk(n *yaml.Node, prefix string, out map[string]string) error {
    switch n.Kind {
    case yaml.MappingNode:
        for i := 0; i+1 < len(n.Content); i += 2 {
            key := n.Content[i].Value
            if prefix != "" { key = prefix + "." + key }
            if err := walk(n.Content[i+1], key, out); err != nil { return err }
        }
        return nil
    case yaml.ScalarNode:
        if prefix == "" { return fmt.Errorf("line %d: value without a key", n.Line) }
        if n.Tag == "!!null" { return nil }
        out[prefix] = n.Value
        return nil
    default:
        return fmt.Errorf("line %d: %s must be a string", n.Line, prefix)
    }
}

// Render executes the template for key. Missing data fields are errors.
func (c *Catalog) Render(key string, data any) (string, error) {
    t, ok := c.tpl[strings.TrimSpace(key)]
    if !ok { return "", fmt.Errorf("msgcat: no template %q", key) }
    var b strings.Builder
    if err := t.Execute(&b, data); err != nil { return "", err }
    return b.String(), nil
}
