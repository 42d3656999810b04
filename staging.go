package pagesync

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"
)

// Conventional file names inside the data directory. The dataset file is
// durable across runs; everything else is transient within one run.
const (
	// DatasetFileName is the flat, key-sorted dataset maintained across runs.
	DatasetFileName = "results.csv"

	// scratchFileName receives the merge output before the atomic install.
	scratchFileName = "merge.csv"
)

func recordFilePath(dir string, page int) string {
	return filepath.Join(dir, fmt.Sprintf("posts_%d.csv", page))
}

func mutationFilePath(dir string, page int) string {
	return filepath.Join(dir, fmt.Sprintf("mutations_%d.bin", page))
}

// writeRecordFile stages one page's records, one flattened line per record,
// in the order received. The file is truncated first: a page is staged at
// most once per run, and a retried run overwrites whatever a failed run
// left behind for the same page number.
//
// Keys are checked against the delimiter/newline precondition here, at
// write time, so a violation surfaces before it can corrupt the dataset.
func writeRecordFile(path string, records []Record) error {
	const op = "stage records"

	for _, r := range records {
		if strings.ContainsAny(r.UUID, fieldDelim+"\n") {
			return integrityErr(op, fmt.Errorf("uuid %q contains the delimiter or a newline", r.UUID))
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return storageErr(op, err)
	}

	w := bufio.NewWriter(f)
	for _, r := range records {
		if _, err := w.WriteString(r.row() + "\n"); err != nil {
			f.Close()
			return storageErr(op, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return storageErr(op, err)
	}
	if err := f.Close(); err != nil {
		return storageErr(op, err)
	}
	return nil
}

// writeMutationFile stages one page's mutation list in original order,
// msgpack-encoded and snappy-compressed.
func writeMutationFile(path string, muts []Mutation) error {
	const op = "stage mutations"

	b, err := msgpack.Marshal(muts)
	if err != nil {
		return storageErr(op, err)
	}
	if err := os.WriteFile(path, snappy.Encode(nil, b), 0o644); err != nil {
		return storageErr(op, err)
	}
	return nil
}

// readMutationFile loads a staged mutation list back in its original order.
func readMutationFile(path string) ([]Mutation, error) {
	const op = "load mutations"

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, storageErr(op, err)
	}
	b, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, decodeErr(op, err)
	}

	var muts []Mutation
	if err := msgpack.Unmarshal(b, &muts); err != nil {
		return nil, decodeErr(op, err)
	}
	return muts, nil
}
