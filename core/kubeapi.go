// Copyright 2022 The watchhub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/alwitt/watchhub/common"
	"github.com/apex/log"
	"golang.org/x/net/http2"
)

// KubeAPIConnectParams Kubernetes-style API connection parameters
type KubeAPIConnectParams struct {
	// BaseURL is the API server URL
	BaseURL string `validate:"required,url"`
	// CAFile is an optional PEM bundle to verify the API server with
	CAFile string
	// InsecureSkipVerify disables API server certificate verification
	InsecureSkipVerify bool
	// ConnectTimeout max time to establish the TCP and TLS connection
	ConnectTimeout time.Duration
	// ResponseTimeout max time to wait for response headers
	ResponseTimeout time.Duration
}

// KubeAPIClient HTTP client for a Kubernetes-style API server
type KubeAPIClient struct {
	common.Component
	baseURL *url.URL
	client  *http.Client
}

// BaseURL fetch the API server base URL
func (c *KubeAPIClient) BaseURL() url.URL {
	return *c.baseURL
}

// HTTP fetch the HTTP client
func (c *KubeAPIClient) HTTP() *http.Client {
	return c.client
}

// Close release idle connections held by the client
func (c *KubeAPIClient) Close() {
	c.client.CloseIdleConnections()
	log.WithFields(c.LogTags).Info("Closed API client")
}

// GetKubeAPIClient define a new Kubernetes-style API client.
//
// The client has no overall request timeout as watches are long lived. The
// connect and response header phases are bounded instead.
func GetKubeAPIClient(param KubeAPIConnectParams) (*KubeAPIClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "kube-api-client",
		"instance":  param.BaseURL,
	}
	baseURL, err := url.Parse(param.BaseURL)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to parse API base URL")
		return nil, err
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		err := fmt.Errorf("unsupported API URL scheme %q", baseURL.Scheme)
		log.WithError(err).WithFields(logTags).Error("Unable to parse API base URL")
		return nil, err
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: param.InsecureSkipVerify, //nolint:gosec
	}
	if param.CAFile != "" {
		pem, err := os.ReadFile(param.CAFile)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to read CA file %s", param.CAFile)
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			err := fmt.Errorf("no certificates found in %s", param.CAFile)
			log.WithError(err).WithFields(logTags).Error("Unable to load CA file")
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	dialer := &net.Dialer{Timeout: param.ConnectTimeout, KeepAlive: time.Second * 30}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   param.ConnectTimeout,
		ResponseHeaderTimeout: param.ResponseTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       time.Second * 90,
	}
	// Many watches share one HTTP/2 connection to the API server
	if err := http2.ConfigureTransport(transport); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to enable HTTP/2 on transport")
		return nil, err
	}

	log.WithFields(logTags).Info("Created API client")
	return &KubeAPIClient{
		Component: common.Component{LogTags: logTags},
		baseURL:   baseURL,
		client:    &http.Client{Transport: transport},
	}, nil
}
