/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	certStoreFn    = "relay-certificate.pem"
	certTmpStoreFn = "relay-certificate.pem.tmp"

	certValidity = 5 * 365 * 24 * time.Hour
)

// loadCertificate attempts to load the relay STARTTLS certificate from the
// state path. If the file does not exist, a self-signed one is generated and
// saved.
func (server *Server) loadCertificate() (tls.Certificate, error) {
	logger := server.logger

	var certificate tls.Certificate
	var err error

	pemFile := filepath.Join(server.config.StatePath, certStoreFn)
	certificate, err = tls.LoadX509KeyPair(pemFile, pemFile)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Debugln("relay certificate not found, generating")
			certificate, err = server.generateCertificate()
			if err != nil {
				return certificate, fmt.Errorf("failed to generate new certificate: %w", err)
			}
			logger.Infoln("created new relay certificate")
		} else {
			return certificate, fmt.Errorf("failed to load relay certificate from file: %w", err)
		}
	} else {
		logger.Debugln("loaded relay certificate from file")
	}

	return certificate, nil
}

// generateCertificate generates a self-signed x509 certificate for the relay
// domain and saves it, along with the private key, to a file in PEM format.
func (server *Server) generateCertificate() (tls.Certificate, error) {
	var certificate tls.Certificate

	pubKey, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return certificate, err
	}

	// Create a random 64 bit number
	max := new(big.Int)
	max.Exp(big.NewInt(2), big.NewInt(64), nil).Sub(max, big.NewInt(1))
	sn, err := rand.Int(rand.Reader, max)
	if err != nil {
		return certificate, err
	}

	domain := server.config.RelayDomain
	if domain == "" {
		domain = "localhost"
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: sn,
		Subject: pkix.Name{
			CommonName: domain,
		},
		DNSNames:              []string{domain},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, pubKey, privKey)
	if err != nil {
		return certificate, err
	}
	privKeyDER, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return certificate, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})
	privKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privKeyDER,
	})

	certificate, err = tls.X509KeyPair(certPEM, privKeyPEM)
	if err != nil {
		return certificate, err
	}

	certTmpFn := filepath.Join(server.config.StatePath, certTmpStoreFn)
	f, err := os.OpenFile(certTmpFn, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return certificate, err
	}
	if _, err = f.Write(append(certPEM, privKeyPEM...)); err != nil {
		f.Close()
		os.Remove(certTmpFn)
		return certificate, err
	}
	f.Close()

	err = os.Rename(certTmpFn, filepath.Join(server.config.StatePath, certStoreFn))
	if err != nil {
		os.Remove(certTmpFn)
		return certificate, err
	}

	return certificate, nil
}
