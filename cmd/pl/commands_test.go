package main

import "testing"

func TestParseItem(t *testing.T) {
	item, err := parseItem("Affiche: format A2:250:120")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if item.Description != "Affiche: format A2" || item.Quantity != 250 || item.UnitPriceCents != 120 {
		t.Fatalf("unexpected item %+v", item)
	}
	for _, bad := range []string{"Cartes", "Cartes:0:100", "Cartes:10:-1", "Cartes:x:100"} {
		if _, err := parseItem(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}

func TestMask(t *testing.T) {
	if mask("") != "" {
		t.Fatalf("empty secret should stay empty")
	}
	if mask("s3cret") == "s3cret" {
		t.Fatalf("secret not masked")
	}
}
