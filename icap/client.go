package icap

import (
	"context"
	"sync"
	"time"
)

// Client is an ICAP client bound to one ServiceInformation. It is safe for
// concurrent use by multiple goroutines: the only shared mutable state is
// the cached RemoteServiceConfiguration, guarded by a mutex and written
// once per successful OPTIONS probe (cleared on failure). Each Validate
// call acquires its own Transport from the ConnectionManager, so
// concurrent calls never share a connection.
type Client struct {
	connMgr ConnectionManager
	svc     ServiceInformation

	tempFileProvider TempFileProvider
	log              Logger

	compareVerifyIdenticalContent bool

	mu        sync.Mutex
	remoteCfg *RemoteServiceConfiguration
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger sets the Logger a Client reports diagnostics through.
// Defaults to NoopLogger.
func WithLogger(l Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithTempFileProvider sets the provider used for response bodies larger
// than the in-memory spill threshold. Defaults to DefaultTempFileProvider.
func WithTempFileProvider(p TempFileProvider) Option {
	return func(c *Client) {
		if p != nil {
			c.tempFileProvider = p
		}
	}
}

// WithRemoteServiceConfiguration preseeds the OPTIONS cache, skipping the
// first negotiation round trip.
func WithRemoteServiceConfiguration(cfg *RemoteServiceConfiguration) Option {
	return func(c *Client) {
		c.remoteCfg = cfg
	}
}

// New builds a Client for svc, using connMgr to acquire transports.
func New(connMgr ConnectionManager, svc ServiceInformation, opts ...Option) *Client {
	c := &Client{
		connMgr:          connMgr,
		svc:              svc,
		tempFileProvider: DefaultTempFileProvider,
		log:              NoopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetCompareVerifyIdenticalContent turns on the digest comparison that
// yields VerdictNotIdentical / ContentBlockedError when the adaptation
// service's output differs from the submitted input. Returns the receiver
// to allow chaining.
func (c *Client) SetCompareVerifyIdenticalContent(enabled bool) *Client {
	c.compareVerifyIdenticalContent = enabled
	return c
}

func (c *Client) logger() Logger {
	if c.log == nil {
		return NoopLogger
	}
	return c.log
}

func (c *Client) currentConfig() *RemoteServiceConfiguration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteCfg
}

// Options negotiates (or returns the cached) RemoteServiceConfiguration
// using default RequestInformation.
func (c *Client) Options(ctx context.Context) (*RemoteServiceConfiguration, error) {
	return c.OptionsWithRequestInformation(ctx, RequestInformation{})
}

// OptionsWithRequestInformation negotiates (or returns the cached)
// RemoteServiceConfiguration. On success the result is cached for the
// client's lifetime; on failure the cache is cleared.
func (c *Client) OptionsWithRequestInformation(ctx context.Context, ri RequestInformation) (*RemoteServiceConfiguration, error) {
	c.mu.Lock()
	if c.remoteCfg != nil {
		cached := c.remoteCfg
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	ri = ri.withDefaults()
	requestID := createRequestIdentifier(time.Now(), "options", "")

	transport, err := c.connMgr.Connect(ctx, c.svc.HostName, c.svc.ServicePort, c.svc.ServiceName, c.svc.SecureConnection, ri.ConnectTimeout, ri.ReadTimeout)
	if err != nil {
		c.clearConfig()
		return nil, err
	}
	defer transport.Close()

	envelope := buildOptionsRequest(c.svc, ri, func(name string) {
		c.logger().Warnf("%sinvalid custom header [%s], it's not allowed, ignored", requestID, name)
	})
	if err := writeAll(transport, envelope); err != nil {
		c.clearConfig()
		return nil, &IoError{Reason: "write OPTIONS request", Cause: err}
	}
	if err := transport.Flush(); err != nil {
		c.clearConfig()
		return nil, &IoError{Reason: "flush OPTIONS request", Cause: err}
	}

	raw, rerr := transport.ReadUntil([]byte(icapEndSep), maxHeaderBytes)
	if rerr != nil && len(raw) == 0 {
		c.clearConfig()
		return nil, &IoError{Reason: "read OPTIONS response", Cause: rerr}
	}
	headers, perr := parseHeaderBlock(raw)
	if perr != nil {
		c.clearConfig()
		return nil, &IoError{Reason: "parse OPTIONS response", Cause: perr}
	}

	cfg, operr := parseOptionsResponse(time.Now(), headers, func(msg string) {
		c.logger().Warnf("%s%s", requestID, msg)
	})
	if operr != nil {
		c.clearConfig()
		return nil, operr
	}

	c.logger().Infof("%svalid service [%d/%s], allow 204: %v, available methods: %v",
		requestID, headers.Status, headers.Message, cfg.ServerAllow204, cfg.SupportedMethods)

	c.mu.Lock()
	c.remoteCfg = cfg
	c.mu.Unlock()
	return cfg, nil
}

func (c *Client) clearConfig() {
	c.mu.Lock()
	c.remoteCfg = nil
	c.mu.Unlock()
}

// Validate runs mode against resource using default RequestInformation.
func (c *Client) Validate(ctx context.Context, mode Mode, resource Resource) (*HeaderInformation, error) {
	return c.ValidateWithRequestInformation(ctx, mode, RequestInformation{}, resource)
}

// ValidateWithRequestInformation drives the adaptation engine's full state
// machine for one resource and returns either the response
// HeaderInformation or an error: *InvalidInputError, *IoError,
// *NotFoundError (which unwraps to an *IoError), *UnknownResponseError, or
// *ContentBlockedError.
func (c *Client) ValidateWithRequestInformation(ctx context.Context, mode Mode, ri RequestInformation, resource Resource) (*HeaderInformation, error) {
	ri = ri.withDefaults()

	if resource.Length == 0 {
		return NewHeaderInformation(), nil
	}
	if resource.Name == "" || resource.Body == nil || resource.Length < 0 {
		return nil, &InvalidInputError{Reason: "resource name must be non-empty, body must be set, and length must be > 0"}
	}

	sourceRequest := ri.prepareSourceRequest(resource)
	requestID := createRequestIdentifier(time.Now(), mode.String(), sourceRequest)
	c.logger().Infof("%svalidate resource (%s)", requestID, sourceRequest)

	cfg, err := c.OptionsWithRequestInformation(ctx, ri)
	if err != nil {
		return nil, err
	}

	previewSize := cfg.ServerPreview
	if resource.Length < int64(previewSize) {
		previewSize = int(resource.Length)
	}

	transport, err := c.connMgr.Connect(ctx, c.svc.HostName, c.svc.ServicePort, c.svc.ServiceName, c.svc.SecureConnection, ri.ConnectTimeout, ri.ReadTimeout)
	if err != nil {
		c.logger().Warnf("%scould not access ICAP server: %s", requestID, err.Error())
		return nil, err
	}
	defer transport.Close()

	session := &engineSession{
		client:      c,
		transport:   transport,
		mode:        mode,
		requestInfo: ri,
		resource:    resource,
		requestID:   requestID,
		previewSize: previewSize,
		inputDigest: newDigestingReader(resource.Body, newMessageDigest()),
	}

	headers, bodyBytes, bodyRead, err := session.run(ctx)
	if err != nil {
		if ioErr, ok := err.(*IoError); ok {
			c.logger().Warnf("%scould not access ICAP server: %s", requestID, ioErr.Error())
		}
		return nil, err
	}

	headers.Remove(StatusLineHeader)

	if headers.Status == 200 {
		verdict, explanation := interpretVerdict(mode, headers, bodyBytes, bodyRead, c.compareVerifyIdenticalContent)
		if verdict == VerdictThreatFound || verdict == VerdictNotIdentical {
			msg := "threat found in resource (" + sourceRequest + ", http-status: 200)"
			if verdict == VerdictNotIdentical {
				msg = "not identical resource (" + sourceRequest + ", http-status: 200)"
			}
			c.logger().Infof("%s%s", requestID, msg)
			return headers, &ContentBlockedError{
				Message:     msg,
				Headers:     headers,
				Explanation: explanation,
				Verdict:     verdict,
			}
		}
	}

	c.logger().Infof("%svalid resource (%s, http-status: %d)", requestID, sourceRequest, headers.Status)
	return headers, nil
}
