package adapter

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
	"layeh.com/radius/rfc2869"

	"portalgate/internal/domain"
	"portalgate/internal/logging"
)

const (
	defaultRadiusAuthPort = 1812
	defaultRadiusAcctPort = 1813
	defaultRadiusCoAPort  = 3799

	// Error-Cause (RFC 5176) and its "Session Context Not Found" value
	radiusErrorCause           radius.Type = 101
	radiusSessionNotFoundCause uint32      = 503

	// WISPr vendor attributes carry limits in bits per second
	wisprVendorID         uint32 = 14122
	wisprBandwidthMaxUp   byte   = 7
	wisprBandwidthMaxDown byte   = 8
)

// radiusExchanger sends a packet and waits for the matching response.
// *radius.Client satisfies it.
type radiusExchanger interface {
	Exchange(ctx context.Context, packet *radius.Packet, addr string) (*radius.Packet, error)
}

// RadiusAdapter authenticates guests against a RADIUS server and controls
// sessions on the NAS with dynamic authorization (CoA / Disconnect)
type RadiusAdapter struct {
	*core
	creds   domain.RadiusCredentials
	client  radiusExchanger
	secret  []byte
	timeout time.Duration

	authAddr  string
	acctAddr  string
	coaAddr   string
	nasID     string
	probeUser string
}

// NewRadiusAdapter builds an adapter for a RADIUS server at the descriptor
// address and a NAS at configuration "nas_address"
func NewRadiusAdapter(desc domain.EquipmentDescriptor, creds domain.RadiusCredentials, opts Options) *RadiusAdapter {
	opts = opts.withDefaults()
	port := func(p, fallback int) string {
		if p <= 0 {
			p = fallback
		}
		return strconv.Itoa(p)
	}
	nas := desc.ConfigString("nas_address", desc.IPAddress)
	nasID := creds.NASIdentifier
	if nasID == "" {
		nasID = "portalgate"
	}

	a := &RadiusAdapter{
		creds: creds,
		client: &radius.Client{
			Retry:           time.Second,
			MaxPacketErrors: 10,
		},
		secret:    []byte(creds.SharedSecret),
		timeout:   opts.Timeout,
		authAddr:  net.JoinHostPort(desc.IPAddress, port(creds.AuthPort, defaultRadiusAuthPort)),
		acctAddr:  net.JoinHostPort(desc.IPAddress, port(creds.AcctPort, defaultRadiusAcctPort)),
		coaAddr:   net.JoinHostPort(nas, port(creds.CoAPort, defaultRadiusCoAPort)),
		nasID:     nasID,
		probeUser: desc.ConfigString("probe_user", "portalgate-probe"),
	}
	a.core = newCore(desc, []domain.Feature{
		domain.FeatureAuthentication,
		domain.FeatureAuthorization,
		domain.FeatureDisconnect,
		domain.FeatureActiveUsers,
		domain.FeatureSessionInfo,
		domain.FeatureBandwidthControl,
		domain.FeatureEquipmentStatus,
		domain.FeatureAccounting,
		domain.FeatureChangeOfAuth,
		domain.FeatureConnectionLifecycle,
		domain.FeatureMACAuthentication,
	}, opts)
	a.core.drv = a
	return a
}

func (a *RadiusAdapter) exchange(ctx context.Context, p *radius.Packet, addr string) (*radius.Packet, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	resp, err := a.client.Exchange(ctx, p, addr)
	if err != nil {
		return nil, fmt.Errorf("radius %s to %s: %w", p.Code, addr, err)
	}
	return resp, nil
}

// callingStationID formats a MAC the way most NAS report it (AA-BB-CC-DD-EE-FF)
func callingStationID(mac string) string {
	return strings.ToUpper(strings.ReplaceAll(domain.NormalizeMAC(mac), ":", "-"))
}

func (a *RadiusAdapter) newRequest(code radius.Code, userID, mac string) (*radius.Packet, error) {
	p := radius.New(code, a.secret)
	if err := rfc2865.NASIdentifier_SetString(p, a.nasID); err != nil {
		return nil, err
	}
	if userID != "" {
		if err := rfc2865.UserName_SetString(p, userID); err != nil {
			return nil, err
		}
	}
	if mac != "" {
		if err := rfc2865.CallingStationID_SetString(p, callingStationID(mac)); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (a *RadiusAdapter) authenticate(ctx context.Context, guest domain.Guest) error {
	p, err := a.newRequest(radius.CodeAccessRequest, guest.UserID, guest.MAC)
	if err != nil {
		return err
	}
	// MAC authentication sends the station id as the password
	password := guest.Password
	if password == "" {
		password = callingStationID(guest.MAC)
	}
	if err := rfc2865.UserPassword_SetString(p, password); err != nil {
		return err
	}
	if ip := net.ParseIP(guest.IP).To4(); ip != nil {
		if err := rfc2865.FramedIPAddress_Set(p, ip); err != nil {
			return err
		}
	}

	resp, err := a.exchange(ctx, p, a.authAddr)
	if err != nil {
		return err
	}
	switch resp.Code {
	case radius.CodeAccessAccept:
		return nil
	case radius.CodeAccessReject:
		msg := rfc2865.ReplyMessage_GetString(resp)
		return fmt.Errorf("access reject for %s (%s): %w", guest.UserID, msg, errRejected)
	case radius.CodeAccessChallenge:
		return domain.NewConfigurationError(a.desc.ID, "authenticate",
			errors.New("server issued an access challenge, multi-round authentication is not supported"))
	}
	return fmt.Errorf("unexpected radius response %s", resp.Code)
}

func (a *RadiusAdapter) authorize(ctx context.Context, guest domain.Guest, session domain.Session) (string, error) {
	coa, err := a.newRequest(radius.CodeCoARequest, guest.UserID, guest.MAC)
	if err != nil {
		return "", err
	}
	if err := rfc2866.AcctSessionID_SetString(coa, session.SessionID); err != nil {
		return "", err
	}
	timeout := rfc2865.SessionTimeout(session.DurationMinutes * 60)
	if err := rfc2865.SessionTimeout_Set(coa, timeout); err != nil {
		return "", err
	}
	if err := a.expectAck(ctx, coa, radius.CodeCoAACK, radius.CodeCoANAK); err != nil {
		return "", err
	}

	start, err := a.accounting(rfc2866.AcctStatusType_Value_Start, session, guest.UserID, guest.MAC)
	if err == nil {
		_, err = a.exchange(ctx, start, a.acctAddr)
	}
	if err != nil {
		// the NAS already granted access
		a.rollback(ctx, "authorize_user", func(ctx context.Context) error {
			return a.sendDisconnect(ctx, session)
		})
		return "", err
	}
	return session.SessionID, nil
}

// expectAck exchanges a dynamic authorization request with the NAS
func (a *RadiusAdapter) expectAck(ctx context.Context, p *radius.Packet, ack, nak radius.Code) error {
	resp, err := a.exchange(ctx, p, a.coaAddr)
	if err != nil {
		return err
	}
	switch resp.Code {
	case ack:
		return nil
	case nak:
		cause, _ := errorCause(resp)
		return &radiusNAK{Code: resp.Code, Cause: cause}
	}
	return fmt.Errorf("unexpected radius response %s", resp.Code)
}

// radiusNAK is a refused CoA or Disconnect request
type radiusNAK struct {
	Code  radius.Code
	Cause uint32
}

func (e *radiusNAK) Error() string {
	return fmt.Sprintf("nas answered %s (error-cause %d)", e.Code, e.Cause)
}

func (e *radiusNAK) Unwrap() error { return errRejected }

func errorCause(p *radius.Packet) (uint32, bool) {
	attr, ok := p.Lookup(radiusErrorCause)
	if !ok {
		return 0, false
	}
	v, err := radius.Integer(attr)
	return v, err == nil
}

func (a *RadiusAdapter) sendDisconnect(ctx context.Context, session domain.Session) error {
	p, err := a.newRequest(radius.CodeDisconnectRequest, session.UserID, session.MAC)
	if err != nil {
		return err
	}
	if err := rfc2866.AcctSessionID_SetString(p, session.SessionID); err != nil {
		return err
	}
	err = a.expectAck(ctx, p, radius.CodeDisconnectACK, radius.CodeDisconnectNAK)
	var nak *radiusNAK
	if errors.As(err, &nak) && nak.Cause == radiusSessionNotFoundCause {
		return nil
	}
	return err
}

// accounting builds an Accounting-Request for session
func (a *RadiusAdapter) accounting(status rfc2866.AcctStatusType, session domain.Session, userID, mac string) (*radius.Packet, error) {
	p, err := a.newRequest(radius.CodeAccountingRequest, userID, mac)
	if err != nil {
		return nil, err
	}
	if err := rfc2866.AcctStatusType_Set(p, status); err != nil {
		return nil, err
	}
	if session.SessionID != "" {
		if err := rfc2866.AcctSessionID_SetString(p, session.SessionID); err != nil {
			return nil, err
		}
	}
	if status == rfc2866.AcctStatusType_Value_Stop {
		elapsed := a.now().Sub(session.StartTime)
		if elapsed < 0 {
			elapsed = 0
		}
		if err := rfc2866.AcctSessionTime_Set(p, rfc2866.AcctSessionTime(elapsed/time.Second)); err != nil {
			return nil, err
		}
		inLow, inHigh := splitOctets(session.BytesIn)
		outLow, outHigh := splitOctets(session.BytesOut)
		if err := rfc2866.AcctInputOctets_Set(p, rfc2866.AcctInputOctets(inLow)); err != nil {
			return nil, err
		}
		if err := rfc2866.AcctOutputOctets_Set(p, rfc2866.AcctOutputOctets(outLow)); err != nil {
			return nil, err
		}
		if inHigh > 0 {
			if err := rfc2869.AcctInputGigawords_Set(p, rfc2869.AcctInputGigawords(inHigh)); err != nil {
				return nil, err
			}
		}
		if outHigh > 0 {
			if err := rfc2869.AcctOutputGigawords_Set(p, rfc2869.AcctOutputGigawords(outHigh)); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

func (a *RadiusAdapter) disconnect(ctx context.Context, session domain.Session) error {
	if err := a.sendDisconnect(ctx, session); err != nil {
		return err
	}
	stop, err := a.accounting(rfc2866.AcctStatusType_Value_Stop, session, session.UserID, session.MAC)
	if err == nil {
		_, err = a.exchange(ctx, stop, a.acctAddr)
	}
	if err != nil {
		// access is already revoked, a lost Stop only affects the ledger
		a.log.Warn().Err(err).Str(logging.FieldSessionID, session.SessionID).Msg("accounting stop not delivered")
	}
	return nil
}

func (a *RadiusAdapter) listActive(context.Context) ([]domain.SessionSummary, error) {
	return nil, errLocalSessions
}

// refresh is a no-op: counters arrive in interim accounting at the server
func (a *RadiusAdapter) refresh(context.Context, *domain.Session) error {
	return nil
}

func (a *RadiusAdapter) setBandwidth(ctx context.Context, session domain.Session, uploadKbps, downloadKbps int) error {
	p, err := a.newRequest(radius.CodeCoARequest, session.UserID, session.MAC)
	if err != nil {
		return err
	}
	if err := rfc2866.AcctSessionID_SetString(p, session.SessionID); err != nil {
		return err
	}
	for _, limit := range []struct {
		typ  byte
		kbps int
	}{{wisprBandwidthMaxUp, uploadKbps}, {wisprBandwidthMaxDown, downloadKbps}} {
		vsa, err := wisprAttribute(limit.typ, bitsPerSecond(limit.kbps))
		if err != nil {
			return err
		}
		p.Add(rfc2865.VendorSpecific_Type, vsa)
	}
	if filter := a.desc.ConfigString("bandwidth_filter_id", ""); filter != "" {
		if err := rfc2865.FilterID_SetString(p, filter); err != nil {
			return err
		}
	}
	return a.expectAck(ctx, p, radius.CodeCoAACK, radius.CodeCoANAK)
}

// splitOctets divides a byte counter into the 32-bit octets attribute and
// the gigawords attribute carrying the overflow
func splitOctets(n int64) (low, high uint32) {
	if n <= 0 {
		return 0, 0
	}
	return uint32(n), uint32(uint64(n) >> 32)
}

// bitsPerSecond converts kbps for WISPr attributes, saturating at the 32-bit limit
func bitsPerSecond(kbps int) uint32 {
	if kbps <= 0 {
		return 0
	}
	bps := uint64(kbps) * 1000
	if bps > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(bps)
}

// wisprAttribute encodes one WISPr integer sub-attribute as a Vendor-Specific
func wisprAttribute(typ byte, value uint32) (radius.Attribute, error) {
	sub := make([]byte, 6)
	sub[0] = typ
	sub[1] = byte(len(sub))
	binary.BigEndian.PutUint32(sub[2:], value)
	return radius.NewVendorSpecific(wisprVendorID, radius.Attribute(sub))
}

// status probes the server: any response, accept or reject, proves it alive
func (a *RadiusAdapter) status(ctx context.Context) (domain.EquipmentStatus, error) {
	p, err := a.newRequest(radius.CodeAccessRequest, a.probeUser, "")
	if err != nil {
		return domain.EquipmentStatus{}, err
	}
	if err := rfc2865.UserPassword_SetString(p, a.probeUser); err != nil {
		return domain.EquipmentStatus{}, err
	}
	resp, err := a.exchange(ctx, p, a.authAddr)
	if err != nil {
		return domain.EquipmentStatus{}, err
	}
	return domain.EquipmentStatus{
		State: domain.EquipmentOnline,
		Details: map[string]any{
			"probe_response": resp.Code.String(),
			"nas_address":    a.coaAddr,
		},
	}, nil
}

func (a *RadiusAdapter) configurePortal(context.Context, domain.PortalConfig) error {
	return domain.NewUnsupportedError(a.desc.ID, "configure_portal")
}

// TestConnection probes the RADIUS server
func (a *RadiusAdapter) TestConnection(ctx context.Context) bool {
	return a.transportCheck(ctx, "test_connection", func(ctx context.Context) error {
		_, err := a.status(ctx)
		return err
	})
}

// ConfigureConnection announces the NAS to the accounting server with
// Accounting-On
func (a *RadiusAdapter) ConfigureConnection(ctx context.Context) bool {
	return a.transportCheck(ctx, "configure_connection", func(ctx context.Context) error {
		p, err := a.accounting(rfc2866.AcctStatusType_Value_AccountingOn, domain.Session{}, "", "")
		if err != nil {
			return err
		}
		resp, err := a.exchange(ctx, p, a.acctAddr)
		if err != nil {
			return err
		}
		if resp.Code != radius.CodeAccountingResponse {
			return fmt.Errorf("unexpected radius response %s", resp.Code)
		}
		return nil
	})
}
