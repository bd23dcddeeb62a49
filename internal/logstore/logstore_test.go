package logstore

import (
	"context"
	"errors"
	"testing"
)

func TestInsertPair_RequiresSelectedProject(t *testing.T) {
	s := New(nil)
	_, err := s.InsertPair(context.Background(), 1, RequestParts{Method: "GET", Authority: "example.test", Path: "/"}, nil, nil)
	if !errors.Is(err, ErrNoDatabaseSelected) {
		t.Fatalf("err = %v, want ErrNoDatabaseSelected", err)
	}
}

func TestInsertPair_AllocatesSequentialPacketIDs(t *testing.T) {
	s := New(nil)
	dir := t.TempDir()
	if err := s.SelectProject(context.Background(), dir, "proj"); err != nil {
		t.Fatalf("SelectProject: %v", err)
	}

	req := RequestParts{Method: "GET", Authority: "example.test", Path: "/a", Query: "b=1", Headers: []Header{{Key: "Accept", Value: "*/*"}}}
	resp := &ResponseParts{Status: 200, Body: []byte("hi"), Headers: []Header{{Key: "Content-Type", Value: "text/plain"}}}

	id0, err := s.InsertPair(context.Background(), 1, req, []byte("body0"), resp)
	if err != nil {
		t.Fatalf("InsertPair #0: %v", err)
	}
	if id0 != 0 {
		t.Fatalf("first packet id = %d, want 0", id0)
	}

	id1, err := s.InsertPair(context.Background(), 1, req, []byte("body1"), nil)
	if err != nil {
		t.Fatalf("InsertPair #1: %v", err)
	}
	if id1 != 1 {
		t.Fatalf("second packet id = %d, want 1", id1)
	}
}

func TestGetFull_RoundTripsRequestAndResponse(t *testing.T) {
	s := New(nil)
	dir := t.TempDir()
	if err := s.SelectProject(context.Background(), dir, "proj"); err != nil {
		t.Fatalf("SelectProject: %v", err)
	}

	req := RequestParts{Method: "POST", Authority: "api.test", Path: "/v1", Query: "x=1", Headers: []Header{{Key: "X-A", Value: "1"}, {Key: "X-A", Value: "2"}}}
	resp := &ResponseParts{Status: 201, Body: []byte("created"), Headers: []Header{{Key: "Location", Value: "/v1/1"}}}
	body := []byte("payload")

	id, err := s.InsertPair(context.Background(), 7, req, body, resp)
	if err != nil {
		t.Fatalf("InsertPair: %v", err)
	}

	pair, ok, err := s.GetFull(context.Background(), id)
	if err != nil {
		t.Fatalf("GetFull: %v", err)
	}
	if !ok {
		t.Fatal("GetFull: not found")
	}
	if pair.ProxyID != 7 || pair.Request.Method != "POST" || pair.Request.Authority != "api.test" {
		t.Errorf("pair = %+v", pair)
	}
	if string(pair.RequestBody) != "payload" {
		t.Errorf("RequestBody = %q, want payload", pair.RequestBody)
	}
	if len(pair.Request.Headers) != 2 {
		t.Errorf("len(Headers) = %d, want 2", len(pair.Request.Headers))
	}
	if pair.Response == nil || pair.Response.Status != 201 || string(pair.Response.Body) != "created" {
		t.Errorf("Response = %+v", pair.Response)
	}
}

func TestGetFull_NoResponseLogged(t *testing.T) {
	s := New(nil)
	dir := t.TempDir()
	if err := s.SelectProject(context.Background(), dir, "proj"); err != nil {
		t.Fatalf("SelectProject: %v", err)
	}

	req := RequestParts{Method: "GET", Authority: "nope.invalid", Path: "/"}
	id, err := s.InsertPair(context.Background(), 1, req, nil, nil)
	if err != nil {
		t.Fatalf("InsertPair: %v", err)
	}

	pair, ok, err := s.GetFull(context.Background(), id)
	if err != nil {
		t.Fatalf("GetFull: %v", err)
	}
	if !ok {
		t.Fatal("GetFull: not found")
	}
	if pair.Response != nil {
		t.Errorf("Response = %+v, want nil", pair.Response)
	}
}

func TestGetFull_UnknownPacketID(t *testing.T) {
	s := New(nil)
	dir := t.TempDir()
	if err := s.SelectProject(context.Background(), dir, "proj"); err != nil {
		t.Fatalf("SelectProject: %v", err)
	}

	_, ok, err := s.GetFull(context.Background(), 999)
	if err != nil {
		t.Fatalf("GetFull: %v", err)
	}
	if ok {
		t.Fatal("GetFull: expected not found")
	}
}

func TestListMetadata_OrderedByPacketID(t *testing.T) {
	s := New(nil)
	dir := t.TempDir()
	if err := s.SelectProject(context.Background(), dir, "proj"); err != nil {
		t.Fatalf("SelectProject: %v", err)
	}

	for i := 0; i < 3; i++ {
		req := RequestParts{Method: "GET", Authority: "example.test", Path: "/"}
		if _, err := s.InsertPair(context.Background(), 1, req, nil, nil); err != nil {
			t.Fatalf("InsertPair #%d: %v", i, err)
		}
	}

	meta, err := s.ListMetadata(context.Background())
	if err != nil {
		t.Fatalf("ListMetadata: %v", err)
	}
	if len(meta) != 3 {
		t.Fatalf("len(meta) = %d, want 3", len(meta))
	}
	for i, m := range meta {
		if m.PacketID != int64(i) {
			t.Errorf("meta[%d].PacketID = %d, want %d", i, m.PacketID, i)
		}
	}
}

func TestDisplayText_SubstitutesNonASCII(t *testing.T) {
	pair := LogPair{RequestBody: []byte{'h', 'i', 0xff, '\n'}}
	if got, want := pair.RequestAsText(), "hi.\n"; got != want {
		t.Errorf("RequestAsText() = %q, want %q", got, want)
	}
}

func TestSelectProject_SwitchesDatabase(t *testing.T) {
	s := New(nil)
	dir := t.TempDir()
	if err := s.SelectProject(context.Background(), dir, "proj-a"); err != nil {
		t.Fatalf("SelectProject(a): %v", err)
	}
	req := RequestParts{Method: "GET", Authority: "a.test", Path: "/"}
	idA, err := s.InsertPair(context.Background(), 1, req, nil, nil)
	if err != nil {
		t.Fatalf("InsertPair in proj-a: %v", err)
	}

	if err := s.SelectProject(context.Background(), dir, "proj-b"); err != nil {
		t.Fatalf("SelectProject(b): %v", err)
	}
	if _, ok, err := s.GetFull(context.Background(), idA); err != nil || ok {
		t.Errorf("GetFull found proj-a's packet in proj-b: ok=%v err=%v", ok, err)
	}
}
