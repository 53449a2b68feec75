package projectstatus

// ChangeSet is what an upload has to do to make the device match the local
// project.
type ChangeSet struct {
	Creates   []FileRecord // local only
	Updates   []FileRecord // on both sides with a different hash
	Unchanged []FileRecord
	// Deletes holds device-only records, files first and folders after, so
	// folders are empty by the time they are removed.
	Deletes []FileRecord

	writes []FileRecord // creates and updates in local order
}

// Diff compares the device manifest against the local one.
func Diff(board, local *Manifest) ChangeSet {
	var cs ChangeSet
	remaining := board.Clone()

	for _, l := range local.Records() {
		b, ok := remaining.Get(l.Path)
		switch {
		case !ok:
			cs.Creates = append(cs.Creates, l)
			cs.writes = append(cs.writes, l)
		case b.Hash != l.Hash:
			cs.Updates = append(cs.Updates, l)
			cs.writes = append(cs.writes, l)
			remaining.Delete(l.Path)
		default:
			cs.Unchanged = append(cs.Unchanged, l)
			remaining.Delete(l.Path)
		}
	}

	for _, r := range remaining.Records() {
		if r.Kind == KindFile {
			cs.Deletes = append([]FileRecord{r}, cs.Deletes...)
		} else {
			cs.Deletes = append(cs.Deletes, r)
		}
	}
	return cs
}

// Empty reports whether there is nothing to do.
func (c ChangeSet) Empty() bool {
	return len(c.Creates) == 0 && len(c.Updates) == 0 && len(c.Deletes) == 0
}

// Folders returns the folders to create, in local order.
func (c ChangeSet) Folders() []FileRecord { return c.filter(KindDir) }

// Files returns the files to write, in local order.
func (c ChangeSet) Files() []FileRecord { return c.filter(KindFile) }

// Writes returns folders first, then files.
func (c ChangeSet) Writes() []FileRecord {
	return append(c.Folders(), c.Files()...)
}

func (c ChangeSet) filter(k Kind) []FileRecord {
	var out []FileRecord
	for _, r := range c.writes {
		if r.Kind == k {
			out = append(out, r)
		}
	}
	return out
}
