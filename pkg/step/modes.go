package step

import (
	"fmt"
	"strings"
)

type LoadMode string

const (
	Replace LoadMode = "REPLACE"
	Append  LoadMode = "APPEND"
	Upsert  LoadMode = "UPSERT"
)

func (m LoadMode) Valid() bool {
	switch m {
	case Replace, Append, Upsert:
		return true
	}
	return false
}

func ParseLoadMode(s string) (LoadMode, error) {
	if s == "" {
		return Append, nil
	}
	m := LoadMode(strings.ToUpper(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown load mode %q", s)
	}
	return m, nil
}

type SyncMode string

const (
	FullRefresh SyncMode = "full_refresh"
	Incremental SyncMode = "incremental"
)

func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "full", "full_refresh":
		return FullRefresh, nil
	case "incremental":
		return Incremental, nil
	}
	return "", fmt.Errorf("unknown sync mode %q", s)
}
