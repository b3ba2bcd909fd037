package semver

import "testing"

func TestSatisfies(t *testing.T) {
	c := MustParseConstraint(">=12.0.0 <18.0.0")

	for _, raw := range []string{"12", "15.4", "17.9.1"} {
		v, err := ParseVersion(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if !Satisfies(v, c) {
			t.Fatalf("expected %s to satisfy %s", raw, SupportedPostgres)
		}
	}

	v, err := ParseVersion("18.0")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if Satisfies(v, c) {
		t.Fatalf("expected 18.0 to NOT satisfy %s", SupportedPostgres)
	}
	if Satisfies(Version{}, c) {
		t.Fatalf("zero version must not satisfy anything")
	}
}

func TestCheckPostgres(t *testing.T) {
	tests := map[string]struct {
		raw       string
		wantErr   bool
		wantMajor uint64
		wantTag   string
	}{
		"bare major":       {raw: "15", wantMajor: 15, wantTag: "15"},
		"major minor":      {raw: "16.2", wantMajor: 16, wantTag: "16.2"},
		"minor zero":       {raw: "15.0", wantMajor: 15, wantTag: "15.0"},
		"v prefix":         {raw: "v15", wantErr: true},
		"full patch":       {raw: "15.0.0", wantErr: true},
		"build metadata":   {raw: "15+debian", wantErr: true},
		"too old":          {raw: "11", wantErr: true},
		"too new":          {raw: "18", wantErr: true},
		"prerelease":       {raw: "17.0.0-beta1", wantErr: true},
		"not a version":    {raw: "latest", wantErr: true},
		"empty is invalid": {raw: "", wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			v, err := CheckPostgres(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.Major() != tc.wantMajor {
				t.Fatalf("major=%d want %d", v.Major(), tc.wantMajor)
			}
			if v.Original() != tc.raw {
				t.Fatalf("original=%q want %q", v.Original(), tc.raw)
			}
			if v.Tag() != tc.wantTag {
				t.Fatalf("tag=%q want %q", v.Tag(), tc.wantTag)
			}
		})
	}
}
