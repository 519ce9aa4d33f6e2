// Copyright (C) 2014 The Syncthing Authors.
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

// Package upnp implements UPnP InternetGatewayDevice discovery and port
// mapping on top of the nat package's device lifecycle.
package upnp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"

	"github.com/syncthing/portmap/lib/config"
	"github.com/syncthing/portmap/lib/nat"
	"github.com/syncthing/portmap/lib/netutil"
)

func init() {
	nat.Register(nat.UPnP, NewSearcher)
}

const (
	urnIGDv1 = "urn:schemas-upnp-org:device:InternetGatewayDevice:1"
	urnIGDv2 = "urn:schemas-upnp-org:device:InternetGatewayDevice:2"

	userAgent = "portmap/1.0"
)

var ssdpAddr = &net.UDPAddr{IP: net.IPv4(239, 255, 255, 250), Port: 1900}

type upnpService struct {
	ID         string `xml:"serviceId"`
	Type       string `xml:"serviceType"`
	ControlURL string `xml:"controlURL"`
}

type upnpDevice struct {
	DeviceType   string        `xml:"deviceType"`
	FriendlyName string        `xml:"friendlyName"`
	Devices      []upnpDevice  `xml:"deviceList>device"`
	Services     []upnpService `xml:"serviceList>service"`
}

type upnpRoot struct {
	Device upnpDevice `xml:"device"`
}

// Parsed device descriptions, keyed by location URL. Gateways answer every
// search with the same location, so repeated discoveries skip the fetch.
var descriptions, _ = lru.New[string, upnpRoot](64)

// UnsupportedDeviceTypeError for unsupported UPnP device types (i.e upnp:rootdevice)
type UnsupportedDeviceTypeError struct {
	deviceType string
}

func (e *UnsupportedDeviceTypeError) Error() string {
	return fmt.Sprintf("Unsupported UPnP device of type %s", e.deviceType)
}

type searcher struct {
	opts       config.Options
	interfaces netutil.InterfaceLister
}

// NewSearcher returns a Searcher sending SSDP searches for Internet Gateway
// Devices on every multicast interface.
func NewSearcher(opts config.Options) nat.Searcher {
	return &searcher{
		opts:       opts,
		interfaces: netutil.Interfaces,
	}
}

// Search runs until the search timeout or until ctx ends. Every distinct
// WAN connection service found becomes one device.
func (s *searcher) Search(ctx context.Context, found func(nat.Device)) ([]nat.Device, error) {
	intfs, err := netutil.MulticastInterfaces(s.interfaces, s.opts.Interfaces)
	if err != nil {
		return nil, errors.Wrap(err, "listing network interfaces")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.SearchTimeout())
	defer cancel()

	resultChan := make(chan *IGDService)
	var wg sync.WaitGroup
	for _, intf := range intfs {
		for _, deviceType := range []string{urnIGDv1, urnIGDv2} {
			wg.Add(1)
			go func(intf net.Interface, deviceType string) {
				defer wg.Done()
				s.discover(ctx, &intf, deviceType, resultChan)
			}(intf, deviceType)
		}
	}
	go func() {
		wg.Wait()
		close(resultChan)
	}()

	var results []nat.Device
	seen := make(map[string]struct{})
	for svc := range resultChan {
		if _, ok := seen[svc.ID()]; ok {
			l.Debugln("Skipping duplicate result", svc.ID())
			continue
		}
		seen[svc.ID()] = struct{}{}
		l.Debugln("UPnP discovery result", svc.ID())

		dev := nat.NewDevice(svc)
		results = append(results, dev)
		found(dev)
	}
	return results, nil
}

func searchRequest(deviceType string, timeout time.Duration) []byte {
	tpl := `M-SEARCH * HTTP/1.1
HOST: 239.255.255.250:1900
ST: %s
MAN: "ssdp:discover"
MX: %d
USER-AGENT: %s

`
	mx := int(timeout / time.Second)
	if mx < 1 {
		mx = 1
	}
	searchStr := fmt.Sprintf(tpl, deviceType, mx, userAgent)
	return []byte(strings.ReplaceAll(searchStr, "\n", "\r\n") + "\r\n")
}

func (s *searcher) discover(ctx context.Context, intf *net.Interface, deviceType string, results chan<- *IGDService) {
	l.Debugln("Starting discovery of device type", deviceType, "on", intf.Name)

	socket, err := net.ListenMulticastUDP("udp4", intf, &net.UDPAddr{IP: ssdpAddr.IP})
	if err != nil {
		l.Debugln("UPnP discovery: listening to udp multicast:", err)
		return
	}
	defer socket.Close()

	pc := ipv4.NewPacketConn(socket)
	if err := pc.SetMulticastInterface(intf); err != nil {
		l.Debugln("UPnP discovery: setting multicast interface:", err)
	}
	if err := pc.SetMulticastTTL(2); err != nil {
		l.Debugln("UPnP discovery: setting multicast TTL:", err)
	}

	if _, err := socket.WriteTo(searchRequest(deviceType, s.opts.SearchTimeout()), ssdpAddr); err != nil {
		if e, ok := err.(net.Error); !ok || !e.Timeout() {
			l.Debugln("UPnP discovery: sending search request:", err)
		}
		return
	}

	l.Debugln("Listening for UPnP response for device type", deviceType, "on", intf.Name)

	resp := make([]byte, 65536)
	for {
		if err := socket.SetDeadline(time.Now().Add(250 * time.Millisecond)); err != nil {
			l.Infoln("UPnP socket:", err)
			return
		}

		n, _, err := socket.ReadFrom(resp)
		if err != nil {
			if ctx.Err() != nil {
				l.Debugln("Discovery for device type", deviceType, "on", intf.Name, "finished")
				return
			}
			if e, ok := err.(net.Error); ok && e.Timeout() {
				continue
			}
			l.Infoln("UPnP read:", err)
			return
		}

		igds, err := parseResponse(ctx, deviceType, resp[:n])
		if err != nil {
			var unsupported *UnsupportedDeviceTypeError
			switch {
			case errors.As(err, &unsupported):
				l.Debugln(err.Error())
			case ctx.Err() != nil:
			default:
				l.Infoln("UPnP parse:", err)
			}
			continue
		}
		for _, igd := range igds {
			select {
			case results <- igd:
			case <-ctx.Done():
				return
			}
		}
	}
}

func parseResponse(ctx context.Context, deviceType string, resp []byte) ([]*IGDService, error) {
	l.Debugln("Handling UPnP response:\n\n" + string(resp))

	reader := bufio.NewReader(bytes.NewBuffer(resp))
	response, err := http.ReadResponse(reader, &http.Request{})
	if err != nil {
		return nil, errors.Wrap(err, "reading SSDP response")
	}
	response.Body.Close()

	respondingDeviceType := response.Header.Get("St")
	if respondingDeviceType != deviceType {
		return nil, &UnsupportedDeviceTypeError{deviceType: respondingDeviceType}
	}

	location := response.Header.Get("Location")
	if location == "" {
		return nil, errors.New("invalid IGD response: no location specified")
	}
	locationURL, err := url.Parse(location)
	if err != nil {
		return nil, errors.Wrap(err, "invalid IGD location")
	}

	usn := response.Header.Get("USN")
	if usn == "" {
		return nil, errors.New("invalid IGD response: USN not specified")
	}
	deviceUUID := strings.TrimPrefix(strings.Split(usn, "::")[0], "uuid:")

	root, err := fetchDescription(ctx, location)
	if err != nil {
		return nil, err
	}

	// The local address facing the IGD is the local end of a connection
	// to it.
	localIPAddress, err := localIP(ctx, locationURL)
	if err != nil {
		return nil, errors.Wrap(err, "finding local address")
	}

	return getServiceDescriptions(deviceUUID, localIPAddress, location, root.Device)
}

func fetchDescription(ctx context.Context, location string) (upnpRoot, error) {
	if root, ok := descriptions.Get(location); ok {
		l.Debugln("Using cached description of", location)
		return root, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return upnpRoot{}, errors.Wrap(err, "fetching device description")
	}
	req.Header.Set("User-Agent", userAgent)
	response, err := http.DefaultClient.Do(req)
	if err != nil {
		return upnpRoot{}, errors.Wrap(err, "fetching device description")
	}
	defer response.Body.Close()

	if response.StatusCode >= 400 {
		return upnpRoot{}, errors.New("fetching device description: bad status code: " + response.Status)
	}

	var root upnpRoot
	if err := xml.NewDecoder(response.Body).Decode(&root); err != nil {
		return upnpRoot{}, errors.Wrap(err, "parsing device description")
	}
	descriptions.Add(location, root)
	return root, nil
}

func localIP(ctx context.Context, u *url.URL) (net.IP, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp4", u.Host)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return nil, err
	}
	return net.ParseIP(host), nil
}

func getChildDevices(d upnpDevice, deviceType string) []upnpDevice {
	var result []upnpDevice
	for _, dev := range d.Devices {
		if dev.DeviceType == deviceType {
			result = append(result, dev)
		}
	}
	return result
}

func getChildServices(d upnpDevice, serviceType string) []upnpService {
	var result []upnpService
	for _, service := range d.Services {
		if service.Type == serviceType {
			result = append(result, service)
		}
	}
	return result
}

func getServiceDescriptions(deviceUUID string, localIPAddress net.IP, rootURL string, device upnpDevice) ([]*IGDService, error) {
	var result []*IGDService

	switch device.DeviceType {
	case urnIGDv1:
		result = getIGDServices(deviceUUID, localIPAddress, rootURL, device,
			"urn:schemas-upnp-org:device:WANDevice:1",
			"urn:schemas-upnp-org:device:WANConnectionDevice:1",
			[]string{"urn:schemas-upnp-org:service:WANIPConnection:1", "urn:schemas-upnp-org:service:WANPPPConnection:1"})
	case urnIGDv2:
		result = getIGDServices(deviceUUID, localIPAddress, rootURL, device,
			"urn:schemas-upnp-org:device:WANDevice:2",
			"urn:schemas-upnp-org:device:WANConnectionDevice:2",
			[]string{"urn:schemas-upnp-org:service:WANIPConnection:2", "urn:schemas-upnp-org:service:WANPPPConnection:1"})
	default:
		return nil, errors.New("[" + rootURL + "] Malformed root device description: not an InternetGatewayDevice.")
	}

	if len(result) < 1 {
		return nil, errors.New("[" + rootURL + "] Malformed device description: no compatible service descriptions found.")
	}
	return result, nil
}

func getIGDServices(deviceUUID string, localIPAddress net.IP, rootURL string, device upnpDevice, wanDeviceURN string, wanConnectionURN string, urns []string) []*IGDService {
	var result []*IGDService

	devices := getChildDevices(device, wanDeviceURN)
	if len(devices) < 1 {
		l.Infoln(rootURL, "- malformed InternetGatewayDevice description: no WANDevices specified.")
		return result
	}

	for _, wan := range devices {
		connections := getChildDevices(wan, wanConnectionURN)
		if len(connections) < 1 {
			l.Infoln(rootURL, "- malformed", wanDeviceURN, "description: no WANConnectionDevices specified.")
		}

		for _, connection := range connections {
			for _, urn := range urns {
				services := getChildServices(connection, urn)
				if len(services) == 0 {
					l.Debugln(rootURL, "- no services of type", urn, "found on connection.")
				}

				for _, service := range services {
					if service.ControlURL == "" {
						l.Infoln(rootURL+"- malformed", service.Type, "description: no control URL.")
						continue
					}
					u, err := url.Parse(rootURL)
					if err != nil {
						continue
					}
					replaceRawPath(u, service.ControlURL)

					l.Debugln(rootURL, "- found", service.Type, "with URL", u)

					result = append(result, &IGDService{
						UUID:         deviceUUID,
						FriendlyName: device.FriendlyName,
						ServiceID:    service.ID,
						URL:          u.String(),
						URN:          service.Type,
						LocalIP:      localIPAddress,
					})
				}
			}
		}
	}

	return result
}

func replaceRawPath(u *url.URL, rp string) {
	asURL, err := url.Parse(rp)
	if err != nil {
		return
	} else if asURL.IsAbs() {
		u.Path = asURL.Path
		u.RawQuery = asURL.RawQuery
	} else {
		var p, q string
		fs := strings.Split(rp, "?")
		p = fs[0]
		if len(fs) > 1 {
			q = fs[1]
		}

		if p != "" && p[0] == '/' {
			u.Path = p
		} else {
			u.Path += p
		}
		u.RawQuery = q
	}
}
