package store

import "encoding/json"

type AliasOp string

const (
	AliasAdd    AliasOp = "add"
	AliasRemove AliasOp = "remove"
)

// AliasAction is one entry of an update-aliases request. Index may be a
// wildcard pattern. Removing a binding that does not exist is not an error.
type AliasAction struct {
	Op    AliasOp
	Alias string
	Index string
}

func AddAlias(alias, index string) AliasAction {
	return AliasAction{Op: AliasAdd, Alias: alias, Index: index}
}

func RemoveAlias(alias, index string) AliasAction {
	return AliasAction{Op: AliasRemove, Alias: alias, Index: index}
}

func (a AliasAction) MarshalJSON() ([]byte, error) {
	target := map[string]any{
		"alias": a.Alias,
		"index": a.Index,
	}
	if a.Op == AliasRemove {
		target["must_exist"] = false
	}
	return json.Marshal(map[string]any{string(a.Op): target})
}
