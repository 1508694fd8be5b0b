package com

import "github.com/rs/xid"

// Uid identifies drivers and graphs in logs and metrics.
type Uid struct {
	xid.ID
}

var NilUid = Uid{xid.NilID()}

func NewUid() Uid { return Uid{xid.New()} }

func (u Uid) IsEmpty() bool { return u.IsNil() }

// Short returns the tail of the id which is enough to tell
// instances of one process apart.
func (u Uid) Short() string {
	s := u.String()
	return s[len(s)-6:]
}
