package chunks

import "errors"

var ErrNotFound = errors.New("chunk not found")
