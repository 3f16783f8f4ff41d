package pgsql

import "testing"

func normalizeOrFatal(t *testing.T, query string) (QueryInfo, []QueryTag) {
	t.Helper()
	info, tags, err := Normalize([]byte(query))
	if err != nil {
		t.Fatalf("Normalize(%q): %v", query, err)
	}
	return info, tags
}

func TestNormalizeCoalesceWithNullAndStrings(t *testing.T) {
	info, _ := normalizeOrFatal(t, "select coalesce(null,'ByteScout', null ,'Byte')")

	const want = "SELECT COALESCE($1, $2, $3, $4)"
	if info.Normalized != want {
		t.Fatalf("Normalized = %q, want %q", info.Normalized, want)
	}
	if len(info.Params) != 4 {
		t.Fatalf("len(Params) = %d, want 4", len(info.Params))
	}
	wantTypes := []LiteralType{LiteralNull, LiteralString, LiteralNull, LiteralString}
	for i, ty := range wantTypes {
		if info.Params[i].Type != ty {
			t.Fatalf("Params[%d].Type = %v, want %v", i, info.Params[i].Type, ty)
		}
	}
	if info.Type != Select {
		t.Fatalf("Type = %v, want Select", info.Type)
	}
}

func TestNormalizeUnaryMinusAttachedToNumber(t *testing.T) {
	info, _ := normalizeOrFatal(t, "select -1")

	const want = "SELECT $1"
	if info.Normalized != want {
		t.Fatalf("Normalized = %q, want %q", info.Normalized, want)
	}
	if len(info.Params) != 1 {
		t.Fatalf("len(Params) = %d, want 1", len(info.Params))
	}
	p := info.Params[0]
	if p.Type != LiteralInteger {
		t.Fatalf("Type = %v, want LiteralInteger", p.Type)
	}
	if !p.Negated {
		t.Fatalf("Negated = false, want true")
	}
}

func TestNormalizeMinusSeparatedFromNumberIsNotNegation(t *testing.T) {
	info, _ := normalizeOrFatal(t, "select - 1")

	const want = "SELECT - $1"
	if info.Normalized != want {
		t.Fatalf("Normalized = %q, want %q", info.Normalized, want)
	}
	if len(info.Params) != 1 {
		t.Fatalf("len(Params) = %d, want 1", len(info.Params))
	}
	if info.Params[0].Negated {
		t.Fatalf("Negated = true, want false")
	}
}

func TestNormalizeExtractsCommentTags(t *testing.T) {
	info, tags := normalizeOrFatal(t, "SELECT /* foo=bar dotted.and-dashed_baz=1 */ 1")

	const want = "SELECT $1"
	if info.Normalized != want {
		t.Fatalf("Normalized = %q, want %q", info.Normalized, want)
	}
	if len(tags) != 2 {
		t.Fatalf("len(tags) = %d, want 2: %+v", len(tags), tags)
	}

	src := []byte("SELECT /* foo=bar dotted.and-dashed_baz=1 */ 1")
	key0 := string(src[tags[0].Key.Start:tags[0].Key.End])
	val0 := string(src[tags[0].Val.Start:tags[0].Val.End])
	if key0 != "foo" || val0 != "bar" {
		t.Fatalf("tags[0] = (%q, %q), want (\"foo\", \"bar\")", key0, val0)
	}

	key1 := string(src[tags[1].Key.Start:tags[1].Key.End])
	val1 := string(src[tags[1].Val.Start:tags[1].Val.End])
	if key1 != "dotted.and-dashed_baz" || val1 != "1" {
		t.Fatalf("tags[1] = (%q, %q), want (\"dotted.and-dashed_baz\", \"1\")", key1, val1)
	}

	if len(info.Params) != 1 || info.Params[0].Type != LiteralInteger {
		t.Fatalf("Params = %+v, want one LiteralInteger", info.Params)
	}
}

func TestNormalizeQuotedIdentifierPreserved(t *testing.T) {
	info, _ := normalizeOrFatal(t, `select "MixedCase" from "Table"`)
	const want = `SELECT "MixedCase" FROM "Table"`
	if info.Normalized != want {
		t.Fatalf("Normalized = %q, want %q", info.Normalized, want)
	}
}

func TestNormalizeStringContinuation(t *testing.T) {
	info, _ := normalizeOrFatal(t, "select 'foo' \n 'bar'")
	const want = "SELECT $1"
	if info.Normalized != want {
		t.Fatalf("Normalized = %q, want %q", info.Normalized, want)
	}
	if len(info.Params) != 1 {
		t.Fatalf("len(Params) = %d, want 1", len(info.Params))
	}
	if info.ParamsBuf != "'foobar'" {
		t.Fatalf("ParamsBuf = %q, want %q", info.ParamsBuf, "'foobar'")
	}
}

func TestQueryTypeFromNormalized(t *testing.T) {
	cases := map[string]QueryType{
		"SELECT $1":    Select,
		"INSERT INTO":  Insert,
		"BEGIN":        Begin,
		"START TRANSACTION": Begin,
		"COMMIT":       Commit,
		"ROLLBACK":     Rollback,
		"SHOW search_path": Show,
		"SET x = $1":   Set,
		"VACUUM":       Other,
	}
	for normalized, want := range cases {
		if got := QueryTypeFromNormalized(normalized); got != want {
			t.Errorf("QueryTypeFromNormalized(%q) = %v, want %v", normalized, got, want)
		}
	}
}
