// Package aws manages the AWS resources of a lakehouse stack: network, IAM,
// EKS clusters and node groups, Aurora databases, S3 buckets and secrets.
package aws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/picklr-io/lakestack/internal/logging"
	"github.com/picklr-io/lakestack/internal/provider"
)

const Name = "aws"

// handler implements the adapter operations for one kind.
type handler interface {
	create(ctx context.Context, req *provider.CreateRequest) (*provider.Result, error)
	read(ctx context.Context, physicalID string) (*provider.Observed, error)
	update(ctx context.Context, req *provider.UpdateRequest) (*provider.Result, error)
	delete(ctx context.Context, physicalID string) error
}

type clients struct {
	ec2     ec2API
	iam     iamAPI
	eks     eksAPI
	rds     rdsAPI
	s3      s3API
	secrets secretsAPI
}

type Provider struct {
	region string

	once     sync.Once
	initErr  error
	load     func(ctx context.Context) (*clients, error)
	handlers map[string]handler
}

// New returns a provider that loads credentials from the default chain on
// first use. An empty region defers to the SDK configuration.
func New(region string) *Provider {
	p := &Provider{region: region}
	p.load = func(ctx context.Context) (*clients, error) {
		var opts []func(*config.LoadOptions) error
		if region != "" {
			opts = append(opts, config.WithRegion(region))
		}
		cfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("unable to load SDK config: %w", err)
		}
		p.region = cfg.Region
		return &clients{
			ec2:     ec2.NewFromConfig(cfg),
			iam:     iam.NewFromConfig(cfg),
			eks:     eks.NewFromConfig(cfg),
			rds:     rds.NewFromConfig(cfg),
			s3:      s3.NewFromConfig(cfg),
			secrets: secretsmanager.NewFromConfig(cfg),
		}, nil
	}
	return p
}

func newWithClients(region string, c *clients) *Provider {
	return &Provider{
		region: region,
		load:   func(context.Context) (*clients, error) { return c, nil },
	}
}

// Factory constructs a provider for the registry.
func Factory(region string) provider.Factory {
	return func() (provider.Adapter, error) {
		return New(region), nil
	}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) Kinds() []provider.KindMetadata { return catalog.Kinds() }

func (p *Provider) Metadata(kind string) (provider.KindMetadata, error) {
	return catalog.Metadata(kind)
}

func (p *Provider) init(ctx context.Context) error {
	p.once.Do(func() {
		c, err := p.load(ctx)
		if err != nil {
			p.initErr = provider.Fatal(err)
			return
		}
		p.handlers = map[string]handler{
			KindVpc:           &vpcHandler{api: c.ec2},
			KindSubnet:        &subnetHandler{api: c.ec2},
			KindSecurityGroup: &securityGroupHandler{api: c.ec2},

			KindRole:            &roleHandler{api: c.iam},
			KindPolicy:          &policyHandler{api: c.iam},
			KindInstanceProfile: &instanceProfileHandler{api: c.iam},

			KindCluster:                &clusterHandler{api: c.eks},
			KindNodegroup:              &nodegroupHandler{api: c.eks},
			KindFargateProfile:         &fargateProfileHandler{api: c.eks},
			KindAddon:                  &addonHandler{api: c.eks},
			KindAccessEntry:            &accessEntryHandler{api: c.eks},
			KindPodIdentityAssociation: &podIdentityHandler{api: c.eks},

			KindDBSubnetGroup: &dbSubnetGroupHandler{api: c.rds},
			KindDBCluster:     &dbClusterHandler{api: c.rds},
			KindDBInstance:    &dbInstanceHandler{api: c.rds},

			KindBucket: &bucketHandler{api: c.s3, region: func() string { return p.region }},
			KindSecret: &secretHandler{api: c.secrets},
		}
	})
	return p.initErr
}

func (p *Provider) handler(ctx context.Context, kind string) (handler, error) {
	if err := p.init(ctx); err != nil {
		return nil, err
	}
	h, ok := p.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", provider.ErrUnknownKind, kind)
	}
	return h, nil
}

func (p *Provider) Create(ctx context.Context, req *provider.CreateRequest) (*provider.Result, error) {
	h, err := p.handler(ctx, req.Kind)
	if err != nil {
		return nil, err
	}
	logging.Debug("aws create", "kind", req.Kind, "id", req.LogicalID)
	res, err := h.create(ctx, req)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to create %s %s: %w", req.Kind, req.LogicalID, err))
	}
	return res, nil
}

func (p *Provider) Read(ctx context.Context, kind, physicalID string) (*provider.Observed, error) {
	h, err := p.handler(ctx, kind)
	if err != nil {
		return nil, err
	}
	obs, err := h.read(ctx, physicalID)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to read %s %s: %w", kind, physicalID, err))
	}
	return obs, nil
}

func (p *Provider) Update(ctx context.Context, req *provider.UpdateRequest) (*provider.Result, error) {
	h, err := p.handler(ctx, req.Kind)
	if err != nil {
		return nil, err
	}
	logging.Debug("aws update", "kind", req.Kind, "id", req.LogicalID, "changed", req.Changed)
	res, err := h.update(ctx, req)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to update %s %s: %w", req.Kind, req.PhysicalID, err))
	}
	return res, nil
}

func (p *Provider) Delete(ctx context.Context, kind, physicalID string) error {
	h, err := p.handler(ctx, kind)
	if err != nil {
		return err
	}
	logging.Debug("aws delete", "kind", kind, "physicalId", physicalID)
	if err := h.delete(ctx, physicalID); err != nil {
		err = classify(fmt.Errorf("failed to delete %s %s: %w", kind, physicalID, err))
		if errors.Is(err, provider.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

var _ provider.Adapter = (*Provider)(nil)

// ptr helpers keep call sites short.
func str(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

func i32(n int) *int32 {
	if n == 0 {
		return nil
	}
	return aws.Int32(int32(n))
}
