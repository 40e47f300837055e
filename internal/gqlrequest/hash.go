package gqlrequest

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/printer"
)

const anonymousOperationName = "<anonymous>"

// canonicalize prints the operation together with only the fragments
// it actually references, fragments in name order, and hashes the
// printed form. Whitespace, comments, and unused definitions do not
// change the hash.
func canonicalize(op *ast.OperationDefinition, fragments map[string]*ast.FragmentDefinition) (string, string, error) {
	if op == nil {
		return "", "", fmt.Errorf("operation is nil")
	}

	defs := []ast.Node{op}
	for _, name := range reachableFragments(op.SelectionSet, fragments) {
		frag := fragments[name]
		if frag == nil {
			return "", "", fmt.Errorf("fragment %q not found", name)
		}
		defs = append(defs, frag)
	}

	printed, ok := printer.Print(ast.NewDocument(&ast.Document{Definitions: defs})).(string)
	if !ok {
		return "", "", fmt.Errorf("canonical print did not yield a string")
	}
	return printed, framedHash(printed, operationLabel(op)), nil
}

// reachableFragments returns the names of every fragment transitively
// spread from root, sorted.
func reachableFragments(root *ast.SelectionSet, fragments map[string]*ast.FragmentDefinition) []string {
	if root == nil || len(fragments) == 0 {
		return nil
	}
	seen := map[string]bool{}
	var visit func(set *ast.SelectionSet)
	visit = func(set *ast.SelectionSet) {
		if set == nil {
			return
		}
		for _, selection := range set.Selections {
			switch sel := selection.(type) {
			case *ast.Field:
				visit(sel.SelectionSet)
			case *ast.InlineFragment:
				visit(sel.SelectionSet)
			case *ast.FragmentSpread:
				if sel.Name == nil || sel.Name.Value == "" || seen[sel.Name.Value] {
					continue
				}
				seen[sel.Name.Value] = true
				if frag := fragments[sel.Name.Value]; frag != nil {
					visit(frag.SelectionSet)
				}
			}
		}
	}
	visit(root)

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func operationLabel(op *ast.OperationDefinition) string {
	if op == nil || op.Name == nil || op.Name.Value == "" {
		return anonymousOperationName
	}
	return op.Name.Value
}

// framedHash is a sha256 over length-prefixed parts, so part
// boundaries cannot collide.
func framedHash(parts ...string) string {
	h := sha256.New()
	var frame [8]byte
	for _, part := range parts {
		binary.BigEndian.PutUint64(frame[:], uint64(len(part)))
		h.Write(frame[:])
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}
