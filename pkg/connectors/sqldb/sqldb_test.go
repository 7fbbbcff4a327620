package sqldb

import "testing"

func TestConfigureDefaults(t *testing.T) {
	c := New().(*Connector)
	if err := c.Configure(map[string]any{"driver": "postgresql", "database": "app"}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if c.cfg.Driver != "postgres" || c.cfg.Port != 5432 || c.cfg.Host != "localhost" {
		t.Fatalf("unexpected config %+v", c.cfg)
	}
	for _, params := range []map[string]any{
		{"database": "app"},
		{"driver": "oracle", "database": "app"},
		{"driver": "mysql"},
	} {
		if err := New().Configure(params); err == nil {
			t.Errorf("expected error for %v", params)
		}
	}
}

func TestSelectSQL(t *testing.T) {
	c := New().(*Connector)
	_ = c.Configure(map[string]any{"driver": "postgres", "database": "app", "query": "select * from orders where region = 'eu';"})
	got := c.selectSQL("ignored", nil, "updated_at")
	want := `SELECT * FROM (select * from orders where region = 'eu') src WHERE "updated_at" > $1 ORDER BY "updated_at"`
	if got != want {
		t.Fatalf("got %s\nwant %s", got, want)
	}
	c.query = ""
	if got := c.selectSQL("orders", []string{"id"}, ""); got != `SELECT "id" FROM "orders"` {
		t.Fatalf("got %s", got)
	}
}

func TestDecodeValue(t *testing.T) {
	cases := []struct {
		typ  string
		in   any
		want any
	}{
		{"BIGINT", []byte("42"), int64(42)},
		{"NUMERIC", []byte("1.25"), 1.25},
		{"NUMERIC", []byte("3"), int64(3)},
		{"VARCHAR", []byte("x"), "x"},
		{"INT", int64(5), int64(5)},
		{"TEXT", []byte(nil), nil},
	}
	for _, tc := range cases {
		if got := decodeValue(tc.typ, tc.in); got != tc.want {
			t.Errorf("decodeValue(%s, %v) = %#v, want %#v", tc.typ, tc.in, got, tc.want)
		}
	}
}
