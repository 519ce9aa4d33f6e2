// Copyright (C) 2016 The Syncthing Authors.
//
// Adapted from https://github.com/jackpal/Taipei-Torrent/blob/dd88a8bfac6431c01d959ce3c745e74b8a911793/IGD.go
// Copyright (c) 2010 Jack Palevich (https://github.com/jackpal/Taipei-Torrent/blob/dd88a8bfac6431c01d959ce3c745e74b8a911793/LICENSE)
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are
// met:
//
//    * Redistributions of source code must retain the above copyright
// notice, this list of conditions and the following disclaimer.
//    * Redistributions in binary form must reproduce the above
// copyright notice, this list of conditions and the following disclaimer
// in the documentation and/or other materials provided with the
// distribution.
//    * Neither the name of Google Inc. nor the names of its
// contributors may be used to endorse or promote products derived from
// this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS
// "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT
// LIMITED TO, THE IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR
// A PARTICULAR PURPOSE ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT
// OWNER OR CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT
// LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR SERVICES; LOSS OF USE,
// DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER CAUSED AND ON ANY
// THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT
// (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package upnp

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/syncthing/portmap/lib/nat"
)

// UPnP error codes from the WANIPConnection service description.
const (
	errCodeInvalidArrayIndex   = 713
	errCodeConflictInMapping   = 718
	errCodeOnlyPermanentLeases = 725
)

// maxPortMappings bounds a mapping table walk; there is at most one entry
// per external port and protocol.
const maxPortMappings = 2 * 65536

// An IGDService is a WAN connection service of an IGD. It implements
// nat.Gateway.
type IGDService struct {
	UUID         string
	FriendlyName string
	ServiceID    string
	URL          string
	URN          string
	LocalIP      net.IP
}

var _ nat.Gateway = (*IGDService)(nil)

// ID returns a unique ID for the service
func (s *IGDService) ID() string {
	return s.UUID + "/" + s.FriendlyName + "/" + s.ServiceID + "/" + s.URN + "/" + s.URL
}

// GetLocalIPv4Address returns local IP address used to contact this service
func (s *IGDService) GetLocalIPv4Address() net.IP {
	return s.LocalIP
}

// AddPortMapping adds a port mapping to the specified IGD service. An
// unspecified internalIP forwards to the local address.
func (s *IGDService) AddPortMapping(ctx context.Context, protocol nat.Protocol, internalIP net.IP, internalPort, externalPort int, description string, duration time.Duration) (int, error) {
	if internalIP == nil || internalIP.IsUnspecified() {
		internalIP = s.LocalIP
	}
	if internalIP == nil {
		return 0, nat.ErrNoLocalAddress
	}

	const template = `<u:AddPortMapping xmlns:u="%s">
	<NewRemoteHost></NewRemoteHost>
	<NewExternalPort>%d</NewExternalPort>
	<NewProtocol>%s</NewProtocol>
	<NewInternalPort>%d</NewInternalPort>
	<NewInternalClient>%s</NewInternalClient>
	<NewEnabled>1</NewEnabled>
	<NewPortMappingDescription>%s</NewPortMappingDescription>
	<NewLeaseDuration>%d</NewLeaseDuration>
	</u:AddPortMapping>`
	body := fmt.Sprintf(template, s.URN, externalPort, protocol, internalPort, internalIP, xmlEscape(description), duration/time.Second)

	if _, err := soapRequest(ctx, s.URL, s.URN, "AddPortMapping", body); err != nil {
		return 0, err
	}
	return externalPort, nil
}

// DeletePortMapping deletes a port mapping from the specified IGD service.
func (s *IGDService) DeletePortMapping(ctx context.Context, protocol nat.Protocol, externalPort int) error {
	const template = `<u:DeletePortMapping xmlns:u="%s">
	<NewRemoteHost></NewRemoteHost>
	<NewExternalPort>%d</NewExternalPort>
	<NewProtocol>%s</NewProtocol>
	</u:DeletePortMapping>`
	body := fmt.Sprintf(template, s.URN, externalPort, protocol)

	_, err := soapRequest(ctx, s.URL, s.URN, "DeletePortMapping", body)
	return err
}

// GetExternalIPv4Address queries the IGD service for its external IP
// address.
func (s *IGDService) GetExternalIPv4Address(ctx context.Context) (net.IP, error) {
	const template = `<u:GetExternalIPAddress xmlns:u="%s" />`
	body := fmt.Sprintf(template, s.URN)

	response, err := soapRequest(ctx, s.URL, s.URN, "GetExternalIPAddress", body)
	if err != nil {
		return nil, err
	}

	envelope := &soapGetExternalIPAddressResponseEnvelope{}
	if err := xml.Unmarshal(response, envelope); err != nil {
		return nil, errors.Wrap(err, "GetExternalIPAddress")
	}

	ip := net.ParseIP(strings.TrimSpace(envelope.Body.GetExternalIPAddressResponse.NewExternalIPAddress))
	if ip == nil || ip.To4() == nil {
		return nil, errors.Errorf("GetExternalIPAddress: invalid address %q", envelope.Body.GetExternalIPAddressResponse.NewExternalIPAddress)
	}
	return ip.To4(), nil
}

// GetPortMappings walks the gateway's mapping table by index until the
// gateway reports the end of the table, repeats an entry or maxPortMappings
// entries were read. A gateway that fails on the first index does not
// support listing.
func (s *IGDService) GetPortMappings(ctx context.Context) ([]*nat.Mapping, error) {
	const template = `<u:GetGenericPortMappingEntry xmlns:u="%s">
	<NewPortMappingIndex>%d</NewPortMappingIndex>
	</u:GetGenericPortMappingEntry>`

	var mappings []*nat.Mapping
	seen := make(map[portMappingEntry]struct{})
	for index := 0; index < maxPortMappings; index++ {
		body := fmt.Sprintf(template, s.URN, index)
		response, err := soapRequest(ctx, s.URL, s.URN, "GetGenericPortMappingEntry", body)
		if err != nil {
			var soapErr *SOAPError
			switch {
			case errors.As(err, &soapErr) && soapErr.Code == errCodeInvalidArrayIndex:
				return mappings, nil
			case errors.As(err, &soapErr) && index == 0:
				return nil, fmt.Errorf("%w: %v", nat.ErrNotSupported, err)
			case errors.As(err, &soapErr):
				l.Debugf("Stopping mapping listing of %s at index %d: %v", s.ID(), index, err)
				return mappings, nil
			case index > 0 && ctx.Err() != nil:
				l.Debugf("Mapping listing of %s interrupted at index %d: %v", s.ID(), index, err)
				return mappings, nil
			default:
				return nil, err
			}
		}

		envelope := &soapPortMappingEntryEnvelope{}
		if err := xml.Unmarshal(response, envelope); err != nil {
			return nil, errors.Wrap(err, "GetGenericPortMappingEntry")
		}
		entry := envelope.Body.Entry
		if _, ok := seen[entry]; ok {
			l.Debugf("%s repeats mapping entry at index %d, stopping", s.ID(), index)
			return mappings, nil
		}
		seen[entry] = struct{}{}

		m, err := entry.mapping()
		if err != nil {
			l.Debugf("Skipping mapping entry %d of %s: %v", index, s.ID(), err)
			continue
		}
		mappings = append(mappings, m)
	}
	l.Debugf("Mapping listing of %s truncated at %d entries", s.ID(), maxPortMappings)
	return mappings, nil
}

func (e portMappingEntry) mapping() (*nat.Mapping, error) {
	protocol, err := nat.ParseProtocol(e.Protocol)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(strings.TrimSpace(e.InternalClient))
	if ip == nil {
		return nil, errors.Errorf("invalid internal client %q", e.InternalClient)
	}
	lease := nat.LeasePermanent
	if e.LeaseDuration > 0 {
		if lease, err = nat.NewLease(time.Duration(e.LeaseDuration) * time.Second); err != nil {
			return nil, err
		}
	}
	return nat.NewMapping(protocol, ip, e.InternalPort, e.ExternalPort, lease, e.Description)
}

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// A SOAPError is a UPnP fault returned by a gateway.
type SOAPError struct {
	Function    string
	Code        int
	Description string
}

func (e *SOAPError) Error() string {
	return fmt.Sprintf("%s: UPnP error %d (%s)", e.Function, e.Code, e.Description)
}

// Unwrap maps the faults the mapping lifecycle handles to their nat errors.
func (e *SOAPError) Unwrap() error {
	switch e.Code {
	case errCodeOnlyPermanentLeases:
		return nat.ErrOnlyPermanentLeases
	case errCodeConflictInMapping:
		return nat.ErrMappingConflict
	default:
		return nil
	}
}

func soapRequest(ctx context.Context, url, service, function, message string) ([]byte, error) {
	tpl := `<?xml version="1.0" ?>
	<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
	<s:Body>%s</s:Body>
	</s:Envelope>
`
	body := fmt.Sprintf(tpl, message)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, function)
	}
	req.Close = true
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("User-Agent", userAgent)
	req.Header["SOAPAction"] = []string{fmt.Sprintf(`"%s#%s"`, service, function)} // Enforce capitalization in header-entry for sensitive routers. See issue #1696
	req.Header.Set("Connection", "Close")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	l.Debugln("SOAP Request URL: " + url)
	l.Debugln("SOAP Action: " + req.Header.Get("SOAPAction"))
	l.Debugln("SOAP Request:\n\n" + body)

	r, err := http.DefaultClient.Do(req)
	if err != nil {
		l.Debugln("SOAP do:", err)
		return nil, errors.Wrap(err, function)
	}
	defer r.Body.Close()

	resp, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.Wrap(err, function)
	}
	l.Debugf("SOAP Response: %s\n\n%s\n\n", r.Status, resp)

	if r.StatusCode >= 400 {
		fault := &soapErrorResponse{}
		if xml.Unmarshal(resp, fault) == nil && fault.ErrorCode != 0 {
			return resp, &SOAPError{Function: function, Code: fault.ErrorCode, Description: fault.ErrorDescription}
		}
		return resp, errors.New(function + ": " + r.Status)
	}

	return resp, nil
}

type soapGetExternalIPAddressResponseEnvelope struct {
	XMLName xml.Name
	Body    soapGetExternalIPAddressResponseBody `xml:"Body"`
}

type soapGetExternalIPAddressResponseBody struct {
	XMLName                      xml.Name
	GetExternalIPAddressResponse getExternalIPAddressResponse `xml:"GetExternalIPAddressResponse"`
}

type getExternalIPAddressResponse struct {
	NewExternalIPAddress string `xml:"NewExternalIPAddress"`
}

type soapPortMappingEntryEnvelope struct {
	XMLName xml.Name
	Body    struct {
		Entry portMappingEntry `xml:"GetGenericPortMappingEntryResponse"`
	} `xml:"Body"`
}

type portMappingEntry struct {
	ExternalPort   int    `xml:"NewExternalPort"`
	Protocol       string `xml:"NewProtocol"`
	InternalPort   int    `xml:"NewInternalPort"`
	InternalClient string `xml:"NewInternalClient"`
	Description    string `xml:"NewPortMappingDescription"`
	LeaseDuration  int    `xml:"NewLeaseDuration"`
}

type soapErrorResponse struct {
	ErrorCode        int    `xml:"Body>Fault>detail>UPnPError>errorCode"`
	ErrorDescription string `xml:"Body>Fault>detail>UPnPError>errorDescription"`
}
