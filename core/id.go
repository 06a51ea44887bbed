package core

import "github.com/google/uuid"

func newTxnID() string {
	return uuid.NewString()
}
