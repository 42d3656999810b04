package pagesync

import (
	"strconv"
	"strings"
)

// SyncKind identifies which export mode a run uses. The remote decides the
// kind for the whole run and reports it in the pagination metadata.
type SyncKind string

const (
	// SyncFresh is a full export: every page carries brand-new records and
	// no mutations.
	SyncFresh SyncKind = "fresh"

	// SyncCache is an incremental export: pages carry new records plus
	// put/delete mutations against the existing dataset.
	SyncCache SyncKind = "cached"
)

func (k SyncKind) valid() bool {
	return k == SyncFresh || k == SyncCache
}

// PaginationMetadata describes one sync run. It is fetched once from the
// base URL before any page is requested and is immutable for the rest of
// the run.
type PaginationMetadata struct {
	TotalPages int      `msgpack:"total_pages"`
	Kind       SyncKind `msgpack:"kind"`
}

// Record is one post as served by the remote. UUID is the sort key; it is
// globally unique and never contains the field delimiter or a newline.
//
// A nil Image means the record has no image. Field values are written to
// disk unescaped, so they must not contain the delimiter or a newline
// themselves (documented limitation; only the UUID is validated).
type Record struct {
	UUID    string  `msgpack:"uuid"`
	Author  string  `msgpack:"author"`
	Message string  `msgpack:"message"`
	Likes   int     `msgpack:"likes"`
	Image   *string `msgpack:"image"`
}

// FreshPage is one page of a fresh run.
type FreshPage struct {
	PageNumber int      `msgpack:"page_number"`
	Records    []Record `msgpack:"records"`
}

// PutPayload carries the new field values of a put mutation. A nil Image
// means "leave the existing image unchanged"; a present-but-empty Image is
// a valid new value.
type PutPayload struct {
	Author  string  `msgpack:"author"`
	Message string  `msgpack:"message"`
	Likes   int     `msgpack:"likes"`
	Image   *string `msgpack:"image"`
}

// Mutation is a put or delete instruction targeting one existing UUID.
// A delete mutation carries a nil Put; a put mutation carries Delete=false.
type Mutation struct {
	UUID   string      `msgpack:"uuid"`
	Put    *PutPayload `msgpack:"put"`
	Delete bool        `msgpack:"delete"`
}

// CachePage is one page of a cache run. Done is reserved by the remote
// protocol and currently carries no meaning on the client side.
type CachePage struct {
	PageNumber int        `msgpack:"page_number"`
	Records    []Record   `msgpack:"records"`
	Mutations  []Mutation `msgpack:"mutations"`
	Done       bool       `msgpack:"done"`
}

// fieldDelim joins the flattened fields of a dataset line.
const fieldDelim = ","

// row flattens the record into one dataset line:
// uuid,author,message,likes,image. An absent image becomes the empty string.
func (r Record) row() string {
	image := ""
	if r.Image != nil {
		image = *r.Image
	}
	return strings.Join([]string{r.UUID, r.Author, r.Message, strconv.Itoa(r.Likes), image}, fieldDelim)
}

// lineKey extracts the sort key (the uuid prefix) from a flattened line.
// A line without the delimiter violates the dataset's structural invariant.
func lineKey(line string) (string, error) {
	i := strings.IndexByte(line, fieldDelim[0])
	if i < 0 {
		return "", &Error{Kind: KindIntegrity, Op: "extract key", Err: errMissingDelimiter}
	}
	return line[:i], nil
}
