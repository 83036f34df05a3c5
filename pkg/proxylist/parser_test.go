// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxylist

import (
	"reflect"
	"testing"
)

func TestParseStatic(t *testing.T) {
	got := ParseStatic("up1.corp:8080, up2.corp:8081,up1.corp:8080,plainhost")
	want := []Entry{
		{Host: "up1.corp", Port: 8080},
		{Host: "up2.corp", Port: 8081},
		{Host: "plainhost", Port: 80},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParsePAC(t *testing.T) {
	got := ParsePAC("PROXY a:1; PROXY b:2; DIRECT")
	want := []Entry{
		{Host: "a", Port: 1},
		{Host: "b", Port: 2},
		{Direct: true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParsePACDirectOnly(t *testing.T) {
	got := ParsePAC("DIRECT")
	if len(got) != 1 || !got[0].Direct {
		t.Fatalf("got %v, want single DIRECT entry", got)
	}
}

func TestParsePACDeduplicates(t *testing.T) {
	got := ParsePAC("PROXY a:1; PROXY a:1; PROXY b:2")
	want := []Entry{{Host: "a", Port: 1}, {Host: "b", Port: 2}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
