package types

import "slices"

// String-set helpers over slice-valued document fields. These mirror the
// store's set-union/set-difference update primitive: adding a present element
// and removing an absent one are both no-ops, so callers can retry freely.

func Contains(set []string, v string) bool {
	return slices.Contains(set, v)
}

// AddToSet returns set with v added, preserving insertion order. Idempotent.
func AddToSet(set []string, v string) []string {
	if slices.Contains(set, v) {
		return set
	}
	return append(set, v)
}

// RemoveFromSet returns set without v. Removing an absent element is a no-op.
func RemoveFromSet(set []string, v string) []string {
	i := slices.Index(set, v)
	if i < 0 {
		return set
	}
	return slices.Delete(slices.Clone(set), i, i+1)
}

// ToggleInSet adds v when absent and removes it when present, returning the
// new set and whether v is now a member.
func ToggleInSet(set []string, v string) ([]string, bool) {
	if slices.Contains(set, v) {
		return RemoveFromSet(set, v), false
	}
	return AddToSet(set, v), true
}
