// Copyright (C) 2016 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package upnp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/d4l3k/messagediff"

	"github.com/syncthing/portmap/lib/config"
	"github.com/syncthing/portmap/lib/nat"
)

const (
	testURN  = "urn:schemas-upnp-org:service:WANIPConnection:1"
	envelope = `<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body>%s</s:Body>
</s:Envelope>`
	faultBody = `<s:Fault>
<faultcode>s:Client</faultcode>
<faultstring>UPnPError</faultstring>
<detail>
<UPnPError xmlns="urn:schemas-upnp-org:control-1-0">
<errorCode>%d</errorCode>
<errorDescription>%s</errorDescription>
</UPnPError>
</detail>
</s:Fault>`
)

type soapCall struct {
	action string
	body   string
}

// fakeIGD answers SOAP requests with the response returned by handle.
type fakeIGD struct {
	handle func(action, body string) (int, string)

	mut   sync.Mutex
	calls []soapCall
}

func (f *fakeIGD) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	action := strings.Trim(r.Header.Get("SOAPAction"), `"`)
	action = action[strings.Index(action, "#")+1:]

	f.mut.Lock()
	f.calls = append(f.calls, soapCall{action, string(body)})
	f.mut.Unlock()

	status, resp := f.handle(action, string(body))
	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.WriteHeader(status)
	fmt.Fprintf(w, envelope, resp)
}

func (f *fakeIGD) lastCall() soapCall {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.calls[len(f.calls)-1]
}

func fault(code int, desc string) (int, string) {
	return http.StatusInternalServerError, fmt.Sprintf(faultBody, code, desc)
}

func newTestService(t *testing.T, igd *fakeIGD) *IGDService {
	t.Helper()
	srv := httptest.NewServer(igd)
	t.Cleanup(srv.Close)
	return &IGDService{
		UUID:         "uuid-1",
		FriendlyName: "Test Router",
		ServiceID:    "urn:upnp-org:serviceId:WANIPConn1",
		URL:          srv.URL + "/ctl/IPConn",
		URN:          testURN,
		LocalIP:      net.ParseIP("192.168.1.10").To4(),
	}
}

func TestAddPortMapping(t *testing.T) {
	igd := &fakeIGD{handle: func(string, string) (int, string) {
		return http.StatusOK, `<u:AddPortMappingResponse xmlns:u="` + testURN + `"/>`
	}}
	svc := newTestService(t, igd)

	port, err := svc.AddPortMapping(context.Background(), nat.TCP, nil, 80, 8080, "web <test>", 11*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if port != 8080 {
		t.Errorf("port %d, expected 8080", port)
	}

	call := igd.lastCall()
	if call.action != "AddPortMapping" {
		t.Errorf("action %q", call.action)
	}
	for _, want := range []string{
		"<NewExternalPort>8080</NewExternalPort>",
		"<NewProtocol>TCP</NewProtocol>",
		"<NewInternalPort>80</NewInternalPort>",
		"<NewInternalClient>192.168.1.10</NewInternalClient>",
		"<NewPortMappingDescription>web &lt;test&gt;</NewPortMappingDescription>",
		"<NewLeaseDuration>660</NewLeaseDuration>",
	} {
		if !strings.Contains(call.body, want) {
			t.Errorf("request body lacks %s:\n%s", want, call.body)
		}
	}
}

func TestAddPortMappingPrivateAddress(t *testing.T) {
	igd := &fakeIGD{handle: func(string, string) (int, string) {
		return http.StatusOK, `<u:AddPortMappingResponse xmlns:u="` + testURN + `"/>`
	}}
	dev := nat.NewDevice(newTestService(t, igd))

	m, err := nat.NewMapping(nat.TCP, net.ParseIP("192.168.1.50").To4(), 8080, 8080, nat.LeasePermanent, "nas")
	if err != nil {
		t.Fatal(err)
	}
	// The external address lookup fails against this IGD, which CreateMapping
	// tolerates.
	if err := dev.CreateMapping(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	var add soapCall
	igd.mut.Lock()
	for _, call := range igd.calls {
		if call.action == "AddPortMapping" {
			add = call
		}
	}
	igd.mut.Unlock()
	if !strings.Contains(add.body, "<NewInternalClient>192.168.1.50</NewInternalClient>") {
		t.Errorf("gateway not asked to forward to the mapping's address:\n%s", add.body)
	}
	if !m.PrivateIP().Equal(net.ParseIP("192.168.1.50")) {
		t.Errorf("private IP %v", m.PrivateIP())
	}
}

func TestAddPortMappingFaults(t *testing.T) {
	cases := []struct {
		code     int
		expected error
	}{
		{725, nat.ErrOnlyPermanentLeases},
		{718, nat.ErrMappingConflict},
	}

	for _, tc := range cases {
		igd := &fakeIGD{handle: func(string, string) (int, string) {
			return fault(tc.code, "nope")
		}}
		svc := newTestService(t, igd)

		_, err := svc.AddPortMapping(context.Background(), nat.UDP, nil, 5000, 5000, "test", time.Hour)
		if !errors.Is(err, tc.expected) {
			t.Errorf("fault %d: expected %v, got %v", tc.code, tc.expected, err)
		}
		var soapErr *SOAPError
		if !errors.As(err, &soapErr) || soapErr.Code != tc.code {
			t.Errorf("fault %d: expected a SOAP error, got %v", tc.code, err)
		}
	}

	igd := &fakeIGD{handle: func(string, string) (int, string) {
		return fault(501, "ActionFailed")
	}}
	_, err := newTestService(t, igd).AddPortMapping(context.Background(), nat.UDP, nil, 5000, 5000, "test", time.Hour)
	if err == nil || errors.Is(err, nat.ErrOnlyPermanentLeases) || errors.Is(err, nat.ErrMappingConflict) {
		t.Errorf("unexpected error for fault 501: %v", err)
	}
}

func TestAddPortMappingWithoutLocalIP(t *testing.T) {
	svc := &IGDService{URL: "http://127.0.0.1:1/", URN: testURN}
	if _, err := svc.AddPortMapping(context.Background(), nat.TCP, net.IPv4zero, 1, 1, "", 0); !errors.Is(err, nat.ErrNoLocalAddress) {
		t.Errorf("expected ErrNoLocalAddress, got %v", err)
	}
}

func TestDeletePortMapping(t *testing.T) {
	igd := &fakeIGD{handle: func(string, string) (int, string) {
		return http.StatusOK, `<u:DeletePortMappingResponse xmlns:u="` + testURN + `"/>`
	}}
	svc := newTestService(t, igd)

	if err := svc.DeletePortMapping(context.Background(), nat.UDP, 5353); err != nil {
		t.Fatal(err)
	}
	call := igd.lastCall()
	if call.action != "DeletePortMapping" || !strings.Contains(call.body, "<NewExternalPort>5353</NewExternalPort>") || !strings.Contains(call.body, "<NewProtocol>UDP</NewProtocol>") {
		t.Errorf("unexpected request %+v", call)
	}
}

func TestGetExternalIPv4Address(t *testing.T) {
	igd := &fakeIGD{handle: func(string, string) (int, string) {
		return http.StatusOK, `<u:GetExternalIPAddressResponse xmlns:u="` + testURN + `">
<NewExternalIPAddress>203.0.113.7</NewExternalIPAddress>
</u:GetExternalIPAddressResponse>`
	}}
	svc := newTestService(t, igd)

	ip, err := svc.GetExternalIPv4Address(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !ip.Equal(net.ParseIP("203.0.113.7")) {
		t.Errorf("got %v", ip)
	}

	igd.handle = func(string, string) (int, string) {
		return http.StatusOK, `<u:GetExternalIPAddressResponse xmlns:u="` + testURN + `">
<NewExternalIPAddress></NewExternalIPAddress>
</u:GetExternalIPAddressResponse>`
	}
	if _, err := svc.GetExternalIPv4Address(context.Background()); err == nil {
		t.Error("expected an error for an empty address")
	}
}

func entryResponse(external int, protocol string, internal int, client, desc string, lease int) string {
	return fmt.Sprintf(`<u:GetGenericPortMappingEntryResponse xmlns:u="%s">
<NewRemoteHost></NewRemoteHost>
<NewExternalPort>%d</NewExternalPort>
<NewProtocol>%s</NewProtocol>
<NewInternalPort>%d</NewInternalPort>
<NewInternalClient>%s</NewInternalClient>
<NewEnabled>1</NewEnabled>
<NewPortMappingDescription>%s</NewPortMappingDescription>
<NewLeaseDuration>%d</NewLeaseDuration>
</u:GetGenericPortMappingEntryResponse>`, testURN, external, protocol, internal, client, desc, lease)
}

func TestGetPortMappings(t *testing.T) {
	entries := []string{
		entryResponse(8080, "TCP", 80, "192.168.1.10", "web", 0),
		entryResponse(5353, "UDP", 53, "192.168.1.11", "dns", 600),
		entryResponse(1, "ICMP", 1, "192.168.1.12", "broken", 0),
	}
	igd := &fakeIGD{handle: func(_, body string) (int, string) {
		for i, entry := range entries {
			if strings.Contains(body, fmt.Sprintf("<NewPortMappingIndex>%d</NewPortMappingIndex>", i)) {
				return http.StatusOK, entry
			}
		}
		return fault(713, "SpecifiedArrayIndexInvalid")
	}}
	svc := newTestService(t, igd)

	ms, err := svc.GetPortMappings(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	type row struct {
		Protocol nat.Protocol
		Private  string
		Public   int
		Desc     string
		Lifetime nat.Lifetime
	}
	var got []row
	for _, m := range ms {
		got = append(got, row{m.Protocol(), net.JoinHostPort(m.PrivateIP().String(), fmt.Sprint(m.PrivatePort())), m.PublicPort(), m.Description(), m.Lease().Lifetime()})
	}
	expected := []row{
		{nat.TCP, "192.168.1.10:80", 8080, "web", nat.Permanent},
		{nat.UDP, "192.168.1.11:53", 5353, "dns", nat.Manual},
	}
	if diff, equal := messagediff.PrettyDiff(expected, got); !equal {
		t.Errorf("unexpected mappings:\n%s", diff)
	}
}

func TestGetPortMappingsNotSupported(t *testing.T) {
	igd := &fakeIGD{handle: func(string, string) (int, string) {
		return fault(401, "Invalid Action")
	}}
	svc := newTestService(t, igd)

	if _, err := svc.GetPortMappings(context.Background()); !errors.Is(err, nat.ErrNotSupported) {
		t.Errorf("expected ErrNotSupported, got %v", err)
	}
}

func TestGetPortMappingsRepeatedEntry(t *testing.T) {
	var requests atomic.Int32
	igd := &fakeIGD{handle: func(string, string) (int, string) {
		requests.Add(1)
		return http.StatusOK, entryResponse(8080, "TCP", 80, "192.168.1.10", "web", 0)
	}}
	svc := newTestService(t, igd)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ms, err := svc.GetPortMappings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 1 || ms[0].PublicPort() != 8080 {
		t.Errorf("expected the single distinct entry, got %v", ms)
	}
	if n := requests.Load(); n != 2 {
		t.Errorf("expected the walk to stop at the first repeat, made %d requests", n)
	}
}

func TestGetPortMappingsInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	release := make(chan struct{})
	defer close(release)
	igd := &fakeIGD{handle: func(_, body string) (int, string) {
		if strings.Contains(body, "<NewPortMappingIndex>0</NewPortMappingIndex>") {
			return http.StatusOK, entryResponse(8080, "TCP", 80, "192.168.1.10", "web", 0)
		}
		cancel()
		<-release
		return fault(713, "SpecifiedArrayIndexInvalid")
	}}
	svc := newTestService(t, igd)

	ms, err := svc.GetPortMappings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 1 || ms[0].PublicPort() != 8080 {
		t.Errorf("expected the entries read before cancellation, got %v", ms)
	}
}

func TestGetServiceDescriptions(t *testing.T) {
	bs, err := os.ReadFile("testdata/igd1.xml")
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bs)
	}))
	defer srv.Close()

	root, err := fetchDescription(context.Background(), srv.URL+"/rootDesc.xml")
	if err != nil {
		t.Fatal(err)
	}

	local := net.ParseIP("192.168.1.10")
	svcs, err := getServiceDescriptions("uuid-1", local, srv.URL+"/rootDesc.xml", root.Device)
	if err != nil {
		t.Fatal(err)
	}
	if len(svcs) != 1 {
		t.Fatalf("expected the one service with a control URL, got %d", len(svcs))
	}
	expected := &IGDService{
		UUID:         "uuid-1",
		FriendlyName: "Test Router",
		ServiceID:    "urn:upnp-org:serviceId:WANIPConn1",
		URL:          srv.URL + "/ctl/IPConn",
		URN:          testURN,
		LocalIP:      local,
	}
	if diff, equal := messagediff.PrettyDiff(expected, svcs[0]); !equal {
		t.Errorf("unexpected service:\n%s", diff)
	}

	if _, err := getServiceDescriptions("uuid-1", local, srv.URL, upnpDevice{DeviceType: "urn:schemas-upnp-org:device:MediaServer:1"}); err == nil {
		t.Error("expected an error for a non gateway device")
	}
}

func TestParseResponse(t *testing.T) {
	bs, err := os.ReadFile("testdata/igd1.xml")
	if err != nil {
		t.Fatal(err)
	}
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Write(bs)
	}))
	defer srv.Close()

	resp := "HTTP/1.1 200 OK\r\n" +
		"CACHE-CONTROL: max-age=120\r\n" +
		"ST: " + urnIGDv1 + "\r\n" +
		"USN: uuid:abcd-1234::" + urnIGDv1 + "\r\n" +
		"LOCATION: " + srv.URL + "/parse.xml\r\n" +
		"\r\n"

	for i := 0; i < 2; i++ {
		igds, err := parseResponse(context.Background(), urnIGDv1, []byte(resp))
		if err != nil {
			t.Fatal(err)
		}
		if len(igds) != 1 {
			t.Fatalf("expected one service, got %d", len(igds))
		}
		if igds[0].UUID != "abcd-1234" {
			t.Errorf("UUID %q", igds[0].UUID)
		}
		if !igds[0].LocalIP.IsLoopback() {
			t.Errorf("local IP %v, expected the loopback address facing the server", igds[0].LocalIP)
		}
	}
	if n := fetches.Load(); n != 1 {
		t.Errorf("description fetched %d times, expected once", n)
	}

	_, err = parseResponse(context.Background(), urnIGDv2, []byte(resp))
	var unsupported *UnsupportedDeviceTypeError
	if !errors.As(err, &unsupported) {
		t.Errorf("expected an unsupported device type error, got %v", err)
	}
}

func TestReplaceRawPath(t *testing.T) {
	cases := []struct {
		base, raw, expected string
	}{
		{"http://192.168.1.1:5000/rootDesc.xml", "/ctl/IPConn", "http://192.168.1.1:5000/ctl/IPConn"},
		{"http://192.168.1.1:5000/", "ctl/IPConn", "http://192.168.1.1:5000/ctl/IPConn"},
		{"http://192.168.1.1:5000/desc", "/upnp/control?service=wanip", "http://192.168.1.1:5000/upnp/control?service=wanip"},
		{"http://192.168.1.1:5000/desc", "http://10.0.0.1:49000/ipc", "http://192.168.1.1:5000/ipc"},
	}
	for _, tc := range cases {
		u, _ := url.Parse(tc.base)
		replaceRawPath(u, tc.raw)
		if u.String() != tc.expected {
			t.Errorf("replaceRawPath(%q, %q) = %q, expected %q", tc.base, tc.raw, u, tc.expected)
		}
	}
}

func TestSearchRequest(t *testing.T) {
	req := string(searchRequest(urnIGDv1, 5*time.Second))
	for _, want := range []string{"M-SEARCH * HTTP/1.1\r\n", "ST: " + urnIGDv1 + "\r\n", "MX: 5\r\n", "USER-AGENT: " + userAgent + "\r\n"} {
		if !strings.Contains(req, want) {
			t.Errorf("search request lacks %q:\n%s", want, req)
		}
	}
	if !strings.HasSuffix(req, "\r\n\r\n") {
		t.Error("search request is not terminated by an empty line")
	}
}

func TestSearchNoInterfaces(t *testing.T) {
	opts := config.New().Options
	s := &searcher{
		opts: opts,
		interfaces: func() ([]net.Interface, error) {
			return nil, nil
		},
	}
	devs, err := s.Search(context.Background(), func(nat.Device) {
		t.Error("nothing should be found")
	})
	if err != nil || len(devs) != 0 {
		t.Errorf("got %v, %v", devs, err)
	}

	s.interfaces = func() ([]net.Interface, error) {
		return nil, errors.New("no permission")
	}
	if _, err := s.Search(context.Background(), func(nat.Device) {}); err == nil {
		t.Error("expected the interface listing error")
	}
}
