package replica

// Change is a single replacement turning one text into another: Deleted
// runes at Prefix are replaced by Inserted.
type Change struct {
	Prefix   int
	Deleted  int
	Inserted string
}

func (c Change) Empty() bool { return c.Deleted == 0 && c.Inserted == "" }

// Diff finds the change between old and new with a common prefix and
// suffix scan over runes. Any edit, including a paste over a selection,
// comes out as one replacement.
func Diff(old, new string) Change {
	a, b := []rune(old), []rune(new)
	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix &&
		a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}
	return Change{
		Prefix:   prefix,
		Deleted:  len(a) - prefix - suffix,
		Inserted: string(b[prefix : len(b)-suffix]),
	}
}
