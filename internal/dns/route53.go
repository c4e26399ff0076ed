package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/aws/smithy-go"

	"subdomaind/internal/config"
	"subdomaind/internal/provider"
)

const Route53Name = "route53"

type route53API interface {
	ChangeResourceRecordSets(ctx context.Context, params *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
	ListResourceRecordSets(ctx context.Context, params *route53.ListResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error)
}

// Route53Provider manages tenant records inside one hosted zone. Route53 has
// no record identifiers, so refs are "zoneID/fqdn/TYPE".
type Route53Provider struct {
	client     route53API
	zoneID     string
	rootDomain string
	ttl        int64
}

func NewRoute53Provider(ctx context.Context, cfg config.Route53Config, rootDomain string) (*Route53Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return newRoute53Provider(route53.NewFromConfig(awsCfg), cfg, rootDomain), nil
}

func newRoute53Provider(client route53API, cfg config.Route53Config, rootDomain string) *Route53Provider {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 300
	}
	return &Route53Provider{
		client:     client,
		zoneID:     extractZoneID(cfg.HostedZoneID),
		rootDomain: rootDomain,
		ttl:        ttl,
	}
}

func (p *Route53Provider) Name() string {
	return Route53Name
}

func (p *Route53Provider) CreateRecord(ctx context.Context, label, target string) (string, error) {
	name := fqdn(label, p.rootDomain)
	rrType, value := recordFor(target)

	err := p.change(ctx, "create record", types.ChangeActionCreate, &types.ResourceRecordSet{
		Name:            aws.String(name),
		Type:            rrType,
		TTL:             aws.Int64(p.ttl),
		ResourceRecords: []types.ResourceRecord{{Value: aws.String(value)}},
	})
	if err != nil {
		return "", err
	}
	return encodeRef(p.zoneID, name, string(rrType)), nil
}

func (p *Route53Provider) DeleteRecord(ctx context.Context, ref string) error {
	zoneID, name, rrType, err := decodeRef(ref)
	if err != nil {
		return provider.Terminal(Route53Name, "delete record", 0, "malformed record reference", err)
	}
	if zoneID != p.zoneID {
		return provider.Terminal(Route53Name, "delete record", 0, "record belongs to another hosted zone", nil)
	}

	// DELETE must repeat the exact record set, so read it back first.
	rrs, err := p.lookup(ctx, name, types.RRType(rrType))
	if err != nil {
		return err
	}
	if rrs == nil {
		return nil
	}
	return p.change(ctx, "delete record", types.ChangeActionDelete, rrs)
}

func (p *Route53Provider) FindRecord(ctx context.Context, label, target string) (string, bool, error) {
	name := fqdn(label, p.rootDomain)
	wantType, wantValue := recordFor(target)
	for _, t := range []types.RRType{types.RRTypeCname, types.RRTypeA, types.RRTypeAaaa} {
		rrs, err := p.lookup(ctx, name, t)
		if err != nil {
			return "", false, err
		}
		if rrs == nil {
			continue
		}
		if t != wantType || rrs.AliasTarget != nil || len(rrs.ResourceRecords) != 1 ||
			!sameValue(aws.ToString(rrs.ResourceRecords[0].Value), wantValue) {
			return "", false, provider.RecordConflict(Route53Name, name, describeSet(rrs))
		}
		return encodeRef(p.zoneID, name, string(t)), true, nil
	}
	return "", false, nil
}

func describeSet(rrs *types.ResourceRecordSet) string {
	if rrs.AliasTarget != nil {
		return string(rrs.Type) + " alias " + aws.ToString(rrs.AliasTarget.DNSName)
	}
	values := make([]string, 0, len(rrs.ResourceRecords))
	for _, rr := range rrs.ResourceRecords {
		values = append(values, aws.ToString(rr.Value))
	}
	return string(rrs.Type) + " " + strings.Join(values, ",")
}

func (p *Route53Provider) CreateTXT(ctx context.Context, name, value string) error {
	return p.change(ctx, "create challenge", types.ChangeActionUpsert, txtRecordSet(name, value))
}

func (p *Route53Provider) DeleteTXT(ctx context.Context, name, value string) error {
	return p.change(ctx, "delete challenge", types.ChangeActionDelete, txtRecordSet(name, value))
}

func txtRecordSet(name, value string) *types.ResourceRecordSet {
	return &types.ResourceRecordSet{
		Name:            aws.String(dotted(name)),
		Type:            types.RRTypeTxt,
		TTL:             aws.Int64(60),
		ResourceRecords: []types.ResourceRecord{{Value: aws.String(`"` + value + `"`)}},
	}
}

func (p *Route53Provider) change(ctx context.Context, op string, action types.ChangeAction, rrs *types.ResourceRecordSet) error {
	_, err := p.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(p.zoneID),
		ChangeBatch: &types.ChangeBatch{
			Comment: aws.String("Changed via subdomaind"),
			Changes: []types.Change{{Action: action, ResourceRecordSet: rrs}},
		},
	})
	return classifyAWS(op, err)
}

// lookup returns the record set with exactly name and type, or nil.
func (p *Route53Provider) lookup(ctx context.Context, name string, rrType types.RRType) (*types.ResourceRecordSet, error) {
	result, err := p.client.ListResourceRecordSets(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(p.zoneID),
		StartRecordName: aws.String(name),
		StartRecordType: rrType,
		MaxItems:        aws.Int32(1),
	})
	if err != nil {
		return nil, classifyAWS("list records", err)
	}
	for _, rrs := range result.ResourceRecordSets {
		if strings.EqualFold(aws.ToString(rrs.Name), name) && rrs.Type == rrType {
			found := rrs
			return &found, nil
		}
	}
	return nil, nil
}

func classifyAWS(op string, err error) error {
	if err == nil || provider.IsCanceled(err) {
		return err
	}

	status := 0
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		status = re.HTTPStatusCode()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidChangeBatch", "InvalidInput", "NoSuchHostedZone", "InvalidDomainName",
			"AccessDenied", "InvalidClientTokenId", "UnrecognizedClientException":
			return provider.Terminal(Route53Name, op, status, apiErr.ErrorMessage(), err)
		case "Throttling", "ThrottlingException", "PriorRequestNotComplete", "ServiceUnavailable":
			return provider.Transient(Route53Name, op, status, "", err)
		}
		if apiErr.ErrorFault() == smithy.FaultClient && status != 0 {
			return provider.FromStatus(Route53Name, op, status, apiErr.ErrorMessage(), err)
		}
	}
	if status != 0 {
		return provider.FromStatus(Route53Name, op, status, "", err)
	}
	return provider.Transient(Route53Name, op, 0, "", err)
}

func encodeRef(zoneID, name, rrType string) string {
	return zoneID + "/" + name + "/" + rrType
}

func decodeRef(ref string) (zoneID, name, rrType string, err error) {
	parts := strings.Split(ref, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("invalid route53 record ref %q", ref)
	}
	return parts[0], parts[1], parts[2], nil
}

func extractZoneID(fullID string) string {
	parts := strings.Split(fullID, "/")
	return parts[len(parts)-1]
}

// recordFor picks A/AAAA for IP targets and CNAME for hostnames.
func recordFor(target string) (types.RRType, string) {
	if ip := net.ParseIP(target); ip != nil {
		if ip.To4() != nil {
			return types.RRTypeA, ip.String()
		}
		return types.RRTypeAaaa, ip.String()
	}
	return types.RRTypeCname, dotted(target)
}
