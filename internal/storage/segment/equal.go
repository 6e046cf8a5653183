// Licensed under the MIT License. See LICENSE file in the project root for details.

package segment

import (
	"fmt"
	"path"
)

// Diff compares two trees logically and describes the first difference
// found, or returns "" when they are equal. Record IDs are not compared.
func Diff(a, b NodeState) (string, error) {
	return diff("/", a, b)
}

// Equal reports whether two trees hold the same properties and children.
func Equal(a, b NodeState) (bool, error) {
	d, err := Diff(a, b)
	return d == "", err
}

func diff(at string, a, b NodeState) (string, error) {
	if d := diffNames(at, "properties", a.PropertyNames(), b.PropertyNames()); d != "" {
		return d, nil
	}
	for _, name := range a.PropertyNames() {
		pa, err := a.Property(name)
		if err != nil {
			return "", err
		}
		pb, err := b.Property(name)
		if err != nil {
			return "", err
		}
		if !pa.Equal(pb) {
			return fmt.Sprintf("%s: property %s != %s", at, pa, pb), nil
		}
	}

	if d := diffNames(at, "children", a.ChildNames(), b.ChildNames()); d != "" {
		return d, nil
	}
	for _, name := range a.ChildNames() {
		ca, err := a.Child(name)
		if err != nil {
			return "", err
		}
		cb, err := b.Child(name)
		if err != nil {
			return "", err
		}
		if d, err := diff(path.Join(at, name), ca, cb); d != "" || err != nil {
			return d, err
		}
	}
	return "", nil
}

func diffNames(at, what string, a, b []string) string {
	if len(a) != len(b) {
		return fmt.Sprintf("%s: %s %v != %v", at, what, a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			return fmt.Sprintf("%s: %s %v != %v", at, what, a, b)
		}
	}
	return ""
}

// Count returns the number of nodes in the tree rooted at n.
func Count(n NodeState) (int, error) {
	total := 1
	for _, name := range n.ChildNames() {
		c, err := n.Child(name)
		if err != nil {
			return 0, err
		}
		k, err := Count(c)
		if err != nil {
			return 0, err
		}
		total += k
	}
	return total, nil
}
