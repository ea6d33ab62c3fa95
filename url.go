// Copyright (c) 2022 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package messup

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

type Stringifiable interface {
	String() string
}

func parseAndNormalizeBaseURL(baseURL string) (*url.URL, error) {
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if parsedURL.Scheme == "" {
		parsedURL.Scheme = "https"
		fixedURL := parsedURL.String()
		parsedURL, err = url.Parse(fixedURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse fixed URL '%s': %v", fixedURL, err)
		}
	}
	parsedURL.RawPath = parsedURL.EscapedPath()
	return parsedURL, nil
}

// BuildURL builds a URL with the given path parts. Each part is escaped separately.
func BuildURL(baseURL *url.URL, path ...any) *url.URL {
	createdURL := *baseURL
	rawParts := make([]string, len(path)+1)
	rawParts[0] = strings.TrimSuffix(createdURL.RawPath, "/")
	parts := make([]string, len(path)+1)
	parts[0] = strings.TrimSuffix(createdURL.Path, "/")
	for i, part := range path {
		switch casted := part.(type) {
		case string:
			parts[i+1] = casted
		case int:
			parts[i+1] = strconv.Itoa(casted)
		case int64:
			parts[i+1] = strconv.FormatInt(casted, 10)
		case Stringifiable:
			parts[i+1] = casted.String()
		default:
			parts[i+1] = fmt.Sprint(casted)
		}
		rawParts[i+1] = url.PathEscape(parts[i+1])
	}
	createdURL.Path = strings.Join(parts, "/")
	createdURL.RawPath = strings.Join(rawParts, "/")
	return &createdURL
}

// BuildURL builds a URL on the Client's server base URL.
func (cli *Client) BuildURL(urlPath ...any) string {
	return BuildURL(cli.BaseURL, urlPath...).String()
}

// BuildWebsocketURL converts the given URL (relative to the server base URL unless absolute) to a ws:// or wss:// URL.
func (cli *Client) BuildWebsocketURL(raw string) (string, error) {
	parsed, err := cli.BaseURL.Parse(raw)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	return parsed.String(), nil
}
