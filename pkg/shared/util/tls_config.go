/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package util

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLS describes client side TLS for the Kafka connection. Paths point at PEM files.
type TLS struct {
	Enabled            bool   `mapstructure:"enabled"`
	CACertFile         string `mapstructure:"caCertFile"`
	CertFile           string `mapstructure:"certFile"`
	KeyFile            string `mapstructure:"keyFile"`
	InsecureSkipVerify bool   `mapstructure:"insecureSkipVerify"`
}

// A utility function to get tls.Config
func GetTLSConfig(config *TLS) (*tls.Config, error) {
	if config == nil {
		return nil, nil
	}

	certPath, keyPath := config.CertFile, config.KeyFile
	if len(certPath)+len(keyPath) > 0 && len(certPath)*len(keyPath) == 0 {
		// Only one of certFile and keyFile is configured
		return nil, fmt.Errorf("invalid tls config, both certFile and keyFile need to be configured")
	}

	c := &tls.Config{
		InsecureSkipVerify: config.InsecureSkipVerify,
	}
	if len(config.CACertFile) > 0 {
		caCert, err := os.ReadFile(config.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read ca cert file %s, %w", config.CACertFile, err)
		}
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(caCert)
		c.RootCAs = pool
	}

	if len(certPath) > 0 && len(keyPath) > 0 {
		clientCert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert key pair (%s, %s), %w", certPath, keyPath, err)
		}
		c.Certificates = []tls.Certificate{clientCert}
	}
	return c, nil
}
