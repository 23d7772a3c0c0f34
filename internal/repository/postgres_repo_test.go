package repository

import (
	"reflect"
	"testing"
	"time"
)

// 各Postgresリポジトリが対応するインターフェースを満たすことを検証
func TestPostgresRepos_ImplementInterfaces(t *testing.T) {
	var _ UserRepository = (*PostgresUserRepo)(nil)
	var _ SessionRepository = (*PostgresSessionRepo)(nil)
	var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
	var _ JobRepository = (*PostgresJobRepo)(nil)
	var _ RunLogRepository = (*PostgresRunLogRepo)(nil)
}

func TestEncodeRecipientIDs(t *testing.T) {
	tests := []struct {
		ids  []string
		want string
	}{
		{nil, ""},
		{[]string{}, ""},
		{[]string{"user-1"}, "user-1"},
		{[]string{"user-1", "user-2"}, "user-1,user-2"},
	}

	for _, tt := range tests {
		if got := encodeRecipientIDs(tt.ids); got != tt.want {
			t.Errorf("encodeRecipientIDs(%v) = %q, want %q", tt.ids, got, tt.want)
		}
	}
}

func TestDecodeRecipientIDs(t *testing.T) {
	tests := []struct {
		s    string
		want []string
	}{
		{"", nil},
		{"user-1", []string{"user-1"}},
		{"user-1,user-2", []string{"user-1", "user-2"}},
	}

	for _, tt := range tests {
		if got := decodeRecipientIDs(tt.s); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("decodeRecipientIDs(%q) = %v, want %v", tt.s, got, tt.want)
		}
	}
}

// 空のrecipient_idsは往復後もnil（全ユーザー対象）のまま保たれること
func TestRecipientIDs_RoundTrip(t *testing.T) {
	for _, ids := range [][]string{nil, {"a"}, {"a", "b", "c"}} {
		got := decodeRecipientIDs(encodeRecipientIDs(ids))
		if len(ids) == 0 {
			if got != nil {
				t.Errorf("round trip of empty ids = %v, want nil", got)
			}
			continue
		}
		if !reflect.DeepEqual(got, ids) {
			t.Errorf("round trip of %v = %v", ids, got)
		}
	}
}

func TestNullableString(t *testing.T) {
	if v := nullableString(""); v != nil {
		t.Errorf("nullableString(\"\") = %v, want nil", v)
	}
	if v := nullableString("x"); v != "x" {
		t.Errorf("nullableString(\"x\") = %v, want x", v)
	}
}

func TestNullableTime(t *testing.T) {
	if v := nullableTime(time.Time{}); v != nil {
		t.Errorf("nullableTime(zero) = %v, want nil", v)
	}
	now := time.Now()
	if v := nullableTime(now); v != now {
		t.Errorf("nullableTime(now) = %v, want %v", v, now)
	}
}
