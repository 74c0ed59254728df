package history

import "testing"

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"abc", 5, "abc"},
		{"abcdef", 3, "abc"},
		{"ñandú", 3, "ñan"},
		{"abc", 0, "abc"},
	}
	for _, tc := range cases {
		if got := Truncate(tc.in, tc.max); got != tc.want {
			t.Fatalf("Truncate(%q, %d)=%q, want %q", tc.in, tc.max, got, tc.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	for _, raw := range []string{"", "enqueued", "STARTED", " completed ", "Rejected", "failed"} {
		if _, ok := ParseStatus(raw); !ok {
			t.Fatalf("ParseStatus(%q) rejected", raw)
		}
	}
	if _, ok := ParseStatus("done"); ok {
		t.Fatalf("ParseStatus(done) accepted")
	}
}

func TestNormalizeFilterClampsLimit(t *testing.T) {
	if got := normalizeFilter(Filter{}).Limit; got != DefaultQueryLimit {
		t.Fatalf("default limit=%d, want %d", got, DefaultQueryLimit)
	}
	if got := normalizeFilter(Filter{Limit: 1000}).Limit; got != MaxQueryLimit {
		t.Fatalf("clamped limit=%d, want %d", got, MaxQueryLimit)
	}
	if got := normalizeFilter(Filter{Offset: -4}).Offset; got != 0 {
		t.Fatalf("offset=%d, want 0", got)
	}
}

func TestWhereBuilderDollarPlaceholders(t *testing.T) {
	wb := &whereBuilder{placeholder: dollarPlaceholder, timeArg: postgresTime}
	wb.addFilter(Filter{Status: StatusFailed, Method: "POST"})
	want := " WHERE deleted_at IS NULL AND status = $1 AND method = $2"
	if got := wb.sql(); got != want {
		t.Fatalf("sql=%q, want %q", got, want)
	}
	if len(wb.args) != 2 {
		t.Fatalf("args=%v", wb.args)
	}
}
