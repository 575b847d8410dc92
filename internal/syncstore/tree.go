package syncstore

import (
    "encoding/json"
    "fmt"
    "strings"
)

type location struct {
    root  string
    field []string
}

func splitPath(p string) []string {
    p = strings.Trim(strings.TrimSpace(p), "/")
    if p == "" { return nil }
    return strings.Split(p, "/")
}

func (s *Store) locate(path string) (location, error) {
    segs := splitPath(path)
    for _, seg := range segs {
        if strings.TrimSpace(seg) == "" { return location{}, fmt.Errorf("%w: %q", ErrInvalidPath, path) }
    }
    for _, pat := range s.roots {
        if len(segs) < len(pat) { continue }
        match := true
        for i, p := range pat {
            if p != "*" && p != segs[i] { match = false; break }
        }
        if match {
            return location{root: strings.Join(segs[:len(pat)], "/"), field: segs[len(pat):]}, nil
        }
    }
    return location{}, fmt.Errorf("%w: %q", ErrInvalidPath, path)
}

// toTree converts any JSON-encodable value into the generic map/slice form.
func toTree(v any) (any, error) {
    if v == nil { return nil, nil }
    raw, err := json.Marshal(v)
    if err != nil { return nil, err }
    var out any
    if err := json.Unmarshal(raw, &out); err != nil { return nil, err }
    return prune(out), nil
}

// prune drops empty objects so removing the last field removes the node.
func prune(v any) any {
    m, ok := v.(map[string]any)
    if !ok { return v }
    for k, child := range m {
        if c := prune(child); c == nil { delete(m, k) } else { m[k] = c }
    }
    if len(m) == 0 { return nil }
    return m
}

func getIn(doc any, field []string) any {
    cur := doc
    for _, f := range field {
        m, ok := cur.(map[string]any)
        if !ok { return nil }
        cur = m[f]
    }
    return cur
}

func setIn(doc any, field []string, v any) any {
    if len(field) == 0 { return v }
    m, ok := doc.(map[string]any)
    if !ok { m = make(map[string]any) }
    child := setIn(m[field[0]], field[1:], v)
    if child == nil {
        delete(m, field[0])
    } else {
        m[field[0]] = child
    }
    if len(m) == 0 { return nil }
    return m
}
