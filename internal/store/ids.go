package store

import "github.com/oklog/ulid/v2"

func newRecordID() string {
	return ulid.Make().String()
}
