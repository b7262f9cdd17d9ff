/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package relay

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
)

type content struct {
	subject string
	body    string
	html    bool
}

var errNoTextPart = errors.New("no text part found")

// parseContent extracts subject and the preferred text body of a submitted
// message. HTML is preferred over plain text in alternatives.
func parseContent(r io.Reader) (*content, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	decoder := &mime.WordDecoder{}
	subject, err := decoder.DecodeHeader(msg.Header.Get("Subject"))
	if err != nil {
		subject = msg.Header.Get("Subject")
	}

	c := &content{
		subject: subject,
	}
	if err = c.readPart(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *content) readPart(contentType string, transferEncoding string, body io.Reader) error {
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("invalid content type: %w", err)
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		reader := multipart.NewReader(body, params["boundary"])
		var plain *content
		for {
			part, partErr := reader.NextPart()
			if errors.Is(partErr, io.EOF) {
				break
			}
			if partErr != nil {
				return fmt.Errorf("failed to read part: %w", partErr)
			}

			sub := &content{}
			if subErr := sub.readPart(part.Header.Get("Content-Type"), part.Header.Get("Content-Transfer-Encoding"), part); subErr != nil {
				if errors.Is(subErr, errNoTextPart) {
					continue
				}
				return subErr
			}
			if sub.html {
				c.body, c.html = sub.body, true
				return nil
			}
			if plain == nil {
				plain = sub
			}
		}
		if plain == nil {
			return errNoTextPart
		}
		c.body, c.html = plain.body, false
		return nil
	}

	switch mediaType {
	case "text/plain", "text/html":
	default:
		return errNoTextPart
	}

	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "quoted-printable":
		body = quotedprintable.NewReader(body)
	case "base64":
		body = base64.NewDecoder(base64.StdEncoding, newlineStripper{body})
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}

	c.body = string(data)
	c.html = mediaType == "text/html"
	return nil
}

// newlineStripper drops line breaks from base64 bodies.
type newlineStripper struct {
	r io.Reader
}

func (n newlineStripper) Read(p []byte) (int, error) {
	for {
		count, err := n.r.Read(p)
		out := 0
		for _, b := range p[:count] {
			if b != '\r' && b != '\n' {
				p[out] = b
				out++
			}
		}
		if out > 0 || err != nil {
			return out, err
		}
	}
}
