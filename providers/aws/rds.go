package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/rds/types"

	"github.com/picklr-io/lakestack/internal/provider"
)

const dbWait = 60 * time.Minute

type rdsAPI interface {
	CreateDBSubnetGroup(ctx context.Context, params *rds.CreateDBSubnetGroupInput, optFns ...func(*rds.Options)) (*rds.CreateDBSubnetGroupOutput, error)
	DescribeDBSubnetGroups(ctx context.Context, params *rds.DescribeDBSubnetGroupsInput, optFns ...func(*rds.Options)) (*rds.DescribeDBSubnetGroupsOutput, error)
	ModifyDBSubnetGroup(ctx context.Context, params *rds.ModifyDBSubnetGroupInput, optFns ...func(*rds.Options)) (*rds.ModifyDBSubnetGroupOutput, error)
	DeleteDBSubnetGroup(ctx context.Context, params *rds.DeleteDBSubnetGroupInput, optFns ...func(*rds.Options)) (*rds.DeleteDBSubnetGroupOutput, error)

	CreateDBCluster(ctx context.Context, params *rds.CreateDBClusterInput, optFns ...func(*rds.Options)) (*rds.CreateDBClusterOutput, error)
	DescribeDBClusters(ctx context.Context, params *rds.DescribeDBClustersInput, optFns ...func(*rds.Options)) (*rds.DescribeDBClustersOutput, error)
	ModifyDBCluster(ctx context.Context, params *rds.ModifyDBClusterInput, optFns ...func(*rds.Options)) (*rds.ModifyDBClusterOutput, error)
	DeleteDBCluster(ctx context.Context, params *rds.DeleteDBClusterInput, optFns ...func(*rds.Options)) (*rds.DeleteDBClusterOutput, error)

	CreateDBInstance(ctx context.Context, params *rds.CreateDBInstanceInput, optFns ...func(*rds.Options)) (*rds.CreateDBInstanceOutput, error)
	DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
	ModifyDBInstance(ctx context.Context, params *rds.ModifyDBInstanceInput, optFns ...func(*rds.Options)) (*rds.ModifyDBInstanceOutput, error)
	DeleteDBInstance(ctx context.Context, params *rds.DeleteDBInstanceInput, optFns ...func(*rds.Options)) (*rds.DeleteDBInstanceOutput, error)

	ListTagsForResource(ctx context.Context, params *rds.ListTagsForResourceInput, optFns ...func(*rds.Options)) (*rds.ListTagsForResourceOutput, error)
	AddTagsToResource(ctx context.Context, params *rds.AddTagsToResourceInput, optFns ...func(*rds.Options)) (*rds.AddTagsToResourceOutput, error)
	RemoveTagsFromResource(ctx context.Context, params *rds.RemoveTagsFromResourceInput, optFns ...func(*rds.Options)) (*rds.RemoveTagsFromResourceOutput, error)
}

func rdsTags(tags map[string]string) []types.Tag {
	out := make([]types.Tag, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func fromRDSTags(tags []types.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}

func syncRDSTags(ctx context.Context, api rdsAPI, arn string, have, want map[string]string) error {
	set, remove := tagDiff(userTagsKeepID(have), want)
	if len(set) > 0 {
		if _, err := api.AddTagsToResource(ctx, &rds.AddTagsToResourceInput{ResourceName: aws.String(arn), Tags: rdsTags(set)}); err != nil {
			return fmt.Errorf("failed to tag %s: %w", arn, err)
		}
	}
	if len(remove) > 0 {
		if _, err := api.RemoveTagsFromResource(ctx, &rds.RemoveTagsFromResourceInput{ResourceName: aws.String(arn), TagKeys: remove}); err != nil {
			return fmt.Errorf("failed to untag %s: %w", arn, err)
		}
	}
	return nil
}

// DB subnet group

type dbSubnetGroupConfig struct {
	DBSubnetGroupName string            `json:"dbSubnetGroupName" validate:"required,max=255"`
	Description       string            `json:"description"`
	SubnetIDs         []string          `json:"subnetIds" validate:"min=2"`
	Tags              map[string]string `json:"tags"`
}

func (c dbSubnetGroupConfig) description() string {
	if c.Description == "" {
		return "Managed by lakestack"
	}
	return c.Description
}

type dbSubnetGroupHandler struct {
	api rdsAPI
}

func (h *dbSubnetGroupHandler) create(ctx context.Context, req *provider.CreateRequest) (*provider.Result, error) {
	var cfg dbSubnetGroupConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}

	if err := replacingSelf(req, cfg.DBSubnetGroupName); err != nil {
		return nil, err
	}
	_, err := h.describe(ctx, cfg.DBSubnetGroupName)
	switch {
	case err == nil:
		if _, err := h.api.ModifyDBSubnetGroup(ctx, &rds.ModifyDBSubnetGroupInput{
			DBSubnetGroupName:        aws.String(cfg.DBSubnetGroupName),
			DBSubnetGroupDescription: aws.String(cfg.description()),
			SubnetIds:                cfg.SubnetIDs,
		}); err != nil {
			return nil, fmt.Errorf("failed to adopt DB subnet group: %w", err)
		}
	case isNotFound(err):
		if _, err := h.api.CreateDBSubnetGroup(ctx, &rds.CreateDBSubnetGroupInput{
			DBSubnetGroupName:        aws.String(cfg.DBSubnetGroupName),
			DBSubnetGroupDescription: aws.String(cfg.description()),
			SubnetIds:                cfg.SubnetIDs,
			Tags:                     rdsTags(withLogicalID(cfg.Tags, req.LogicalID)),
		}); err != nil {
			return nil, fmt.Errorf("failed to create DB subnet group: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to look up DB subnet group: %w", err)
	}
	return h.result(ctx, cfg.DBSubnetGroupName)
}

func (h *dbSubnetGroupHandler) describe(ctx context.Context, name string) (*types.DBSubnetGroup, error) {
	out, err := h.api.DescribeDBSubnetGroups(ctx, &rds.DescribeDBSubnetGroupsInput{DBSubnetGroupName: aws.String(name)})
	if err != nil {
		return nil, err
	}
	if len(out.DBSubnetGroups) == 0 {
		return nil, fmt.Errorf("DB subnet group %s: %w", name, provider.ErrNotFound)
	}
	return &out.DBSubnetGroups[0], nil
}

func (h *dbSubnetGroupHandler) tags(ctx context.Context, arn string) (map[string]string, error) {
	out, err := h.api.ListTagsForResource(ctx, &rds.ListTagsForResourceInput{ResourceName: aws.String(arn)})
	if err != nil {
		return nil, fmt.Errorf("failed to list tags for %s: %w", arn, err)
	}
	return fromRDSTags(out.TagList), nil
}

func (h *dbSubnetGroupHandler) result(ctx context.Context, name string) (*provider.Result, error) {
	obs, err := h.read(ctx, name)
	if err != nil {
		return nil, err
	}
	return &provider.Result{PhysicalID: name, Outputs: obs.Outputs}, nil
}

func (h *dbSubnetGroupHandler) read(ctx context.Context, name string) (*provider.Observed, error) {
	g, err := h.describe(ctx, name)
	if err != nil {
		return nil, err
	}
	tags, err := h.tags(ctx, aws.ToString(g.DBSubnetGroupArn))
	if err != nil {
		return nil, err
	}
	subnets := make([]string, 0, len(g.Subnets))
	for _, s := range g.Subnets {
		subnets = append(subnets, aws.ToString(s.SubnetIdentifier))
	}
	return &provider.Observed{
		PhysicalID: name,
		Properties: map[string]any{
			"dbSubnetGroupName": aws.ToString(g.DBSubnetGroupName),
			"description":       aws.ToString(g.DBSubnetGroupDescription),
			"tags":              tagsToAny(userTags(tags)),
		},
		Outputs: map[string]any{
			"id":        name,
			"name":      name,
			"arn":       aws.ToString(g.DBSubnetGroupArn),
			"vpcId":     aws.ToString(g.VpcId),
			"subnetIds": stringsToAny(subnets),
		},
	}, nil
}

func (h *dbSubnetGroupHandler) update(ctx context.Context, req *provider.UpdateRequest) (*provider.Result, error) {
	var cfg dbSubnetGroupConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	if changed(req, "description", "subnetIds") {
		if _, err := h.api.ModifyDBSubnetGroup(ctx, &rds.ModifyDBSubnetGroupInput{
			DBSubnetGroupName:        aws.String(req.PhysicalID),
			DBSubnetGroupDescription: aws.String(cfg.description()),
			SubnetIds:                cfg.SubnetIDs,
		}); err != nil {
			return nil, fmt.Errorf("failed to modify DB subnet group: %w", err)
		}
	}
	if changed(req, "tags") {
		g, err := h.describe(ctx, req.PhysicalID)
		if err != nil {
			return nil, err
		}
		arn := aws.ToString(g.DBSubnetGroupArn)
		have, err := h.tags(ctx, arn)
		if err != nil {
			return nil, err
		}
		if err := syncRDSTags(ctx, h.api, arn, have, withLogicalID(cfg.Tags, req.LogicalID)); err != nil {
			return nil, err
		}
	}
	return h.result(ctx, req.PhysicalID)
}

func (h *dbSubnetGroupHandler) delete(ctx context.Context, name string) error {
	if _, err := h.api.DeleteDBSubnetGroup(ctx, &rds.DeleteDBSubnetGroupInput{DBSubnetGroupName: aws.String(name)}); err != nil {
		return fmt.Errorf("failed to delete DB subnet group: %w", err)
	}
	return nil
}

// Aurora cluster

type serverlessV2Scaling struct {
	MinCapacity float64 `json:"minCapacity" validate:"gte=0"`
	MaxCapacity float64 `json:"maxCapacity" validate:"gtefield=MinCapacity,lte=256"`
}

type dbClusterConfig struct {
	DBClusterIdentifier      string               `json:"dbClusterIdentifier" validate:"required,max=63"`
	Engine                   string               `json:"engine" validate:"required,oneof=aurora-postgresql aurora-mysql"`
	EngineVersion            string               `json:"engineVersion"`
	DatabaseName             string               `json:"databaseName"`
	MasterUsername           string               `json:"masterUsername" validate:"required"`
	MasterPassword           string               `json:"masterPassword" validate:"required_without=ManageMasterUserPassword,excluded_with=ManageMasterUserPassword"`
	ManageMasterUserPassword bool                 `json:"manageMasterUserPassword"`
	DBSubnetGroupName        string               `json:"dbSubnetGroupName" validate:"required"`
	VpcSecurityGroupIDs      []string             `json:"vpcSecurityGroupIds"`
	BackupRetentionPeriod    int                  `json:"backupRetentionPeriod" validate:"gte=0,lte=35"`
	DeletionProtection       bool                 `json:"deletionProtection"`
	SkipFinalSnapshot        bool                 `json:"skipFinalSnapshot"`
	StorageEncrypted         *bool                `json:"storageEncrypted"`
	Port                     int                  `json:"port" validate:"gte=0,lte=65535"`
	ServerlessV2Scaling      *serverlessV2Scaling `json:"serverlessV2Scaling"`
	Tags                     map[string]string    `json:"tags"`
}

func (c dbClusterConfig) tags(logicalID string) map[string]string {
	tags := withLogicalID(c.Tags, logicalID)
	if c.SkipFinalSnapshot {
		tags[skipSnapshotTag] = "true"
	}
	return tags
}

func (c dbClusterConfig) scaling() *types.ServerlessV2ScalingConfiguration {
	if c.ServerlessV2Scaling == nil {
		return nil
	}
	return &types.ServerlessV2ScalingConfiguration{
		MinCapacity: aws.Float64(c.ServerlessV2Scaling.MinCapacity),
		MaxCapacity: aws.Float64(c.ServerlessV2Scaling.MaxCapacity),
	}
}

type dbClusterHandler struct {
	api rdsAPI
}

func (h *dbClusterHandler) create(ctx context.Context, req *provider.CreateRequest) (*provider.Result, error) {
	var cfg dbClusterConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}

	if err := replacingSelf(req, cfg.DBClusterIdentifier); err != nil {
		return nil, err
	}
	_, err := h.describe(ctx, cfg.DBClusterIdentifier)
	switch {
	case err == nil:
	case isNotFound(err):
		input := &rds.CreateDBClusterInput{
			DBClusterIdentifier:              aws.String(cfg.DBClusterIdentifier),
			Engine:                           aws.String(cfg.Engine),
			EngineVersion:                    str(cfg.EngineVersion),
			DatabaseName:                     str(cfg.DatabaseName),
			MasterUsername:                   aws.String(cfg.MasterUsername),
			MasterUserPassword:               str(cfg.MasterPassword),
			DBSubnetGroupName:                aws.String(cfg.DBSubnetGroupName),
			VpcSecurityGroupIds:              cfg.VpcSecurityGroupIDs,
			BackupRetentionPeriod:            i32(cfg.BackupRetentionPeriod),
			DeletionProtection:               aws.Bool(cfg.DeletionProtection),
			StorageEncrypted:                 cfg.StorageEncrypted,
			Port:                             i32(cfg.Port),
			ServerlessV2ScalingConfiguration: cfg.scaling(),
			Tags:                             rdsTags(cfg.tags(req.LogicalID)),
		}
		if cfg.ManageMasterUserPassword {
			input.ManageMasterUserPassword = aws.Bool(true)
		}
		if _, err := h.api.CreateDBCluster(ctx, input); err != nil && !hasCode(err, "DBClusterAlreadyExistsFault") {
			return nil, fmt.Errorf("failed to create DB cluster: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to look up DB cluster: %w", err)
	}

	if err := h.waitAvailable(ctx, cfg.DBClusterIdentifier); err != nil {
		return nil, err
	}
	return h.result(ctx, cfg.DBClusterIdentifier)
}

func (h *dbClusterHandler) waitAvailable(ctx context.Context, id string) error {
	in := &rds.DescribeDBClustersInput{DBClusterIdentifier: aws.String(id)}
	if err := rds.NewDBClusterAvailableWaiter(h.api).Wait(ctx, in, dbWait); err != nil {
		return fmt.Errorf("DB cluster %s did not become available: %w", id, err)
	}
	return nil
}

func (h *dbClusterHandler) describe(ctx context.Context, id string) (*types.DBCluster, error) {
	out, err := h.api.DescribeDBClusters(ctx, &rds.DescribeDBClustersInput{DBClusterIdentifier: aws.String(id)})
	if err != nil {
		return nil, err
	}
	if len(out.DBClusters) == 0 {
		return nil, fmt.Errorf("DB cluster %s: %w", id, provider.ErrNotFound)
	}
	return &out.DBClusters[0], nil
}

func (h *dbClusterHandler) result(ctx context.Context, id string) (*provider.Result, error) {
	obs, err := h.read(ctx, id)
	if err != nil {
		return nil, err
	}
	return &provider.Result{PhysicalID: id, Outputs: obs.Outputs}, nil
}

func (h *dbClusterHandler) read(ctx context.Context, id string) (*provider.Observed, error) {
	c, err := h.describe(ctx, id)
	if err != nil {
		return nil, err
	}
	props := map[string]any{
		"dbClusterIdentifier":   aws.ToString(c.DBClusterIdentifier),
		"engine":                aws.ToString(c.Engine),
		"engineVersion":         aws.ToString(c.EngineVersion),
		"masterUsername":        aws.ToString(c.MasterUsername),
		"dbSubnetGroupName":     aws.ToString(c.DBSubnetGroup),
		"backupRetentionPeriod": int(aws.ToInt32(c.BackupRetentionPeriod)),
		"tags":                  tagsToAny(userTags(fromRDSTags(c.TagList))),
	}
	if c.DatabaseName != nil {
		props["databaseName"] = aws.ToString(c.DatabaseName)
	}
	outputs := map[string]any{
		"id":             id,
		"identifier":     id,
		"arn":            aws.ToString(c.DBClusterArn),
		"endpoint":       aws.ToString(c.Endpoint),
		"readerEndpoint": aws.ToString(c.ReaderEndpoint),
		"port":           int(aws.ToInt32(c.Port)),
		"resourceId":     aws.ToString(c.DbClusterResourceId),
		"status":         aws.ToString(c.Status),
	}
	if c.MasterUserSecret != nil {
		outputs["masterUserSecretArn"] = aws.ToString(c.MasterUserSecret.SecretArn)
	}
	return &provider.Observed{PhysicalID: id, Properties: props, Outputs: outputs}, nil
}

func (h *dbClusterHandler) update(ctx context.Context, req *provider.UpdateRequest) (*provider.Result, error) {
	var cfg dbClusterConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}

	if changed(req, "engineVersion", "masterPassword", "vpcSecurityGroupIds", "backupRetentionPeriod", "deletionProtection", "serverlessV2Scaling") {
		input := &rds.ModifyDBClusterInput{
			DBClusterIdentifier: aws.String(req.PhysicalID),
			ApplyImmediately:    aws.Bool(true),
		}
		if changed(req, "engineVersion") {
			input.EngineVersion = str(cfg.EngineVersion)
			input.AllowMajorVersionUpgrade = aws.Bool(true)
		}
		if changed(req, "masterPassword") {
			input.MasterUserPassword = str(cfg.MasterPassword)
		}
		if changed(req, "vpcSecurityGroupIds") {
			input.VpcSecurityGroupIds = cfg.VpcSecurityGroupIDs
		}
		if changed(req, "backupRetentionPeriod") {
			input.BackupRetentionPeriod = i32(cfg.BackupRetentionPeriod)
		}
		if changed(req, "deletionProtection") {
			input.DeletionProtection = aws.Bool(cfg.DeletionProtection)
		}
		if changed(req, "serverlessV2Scaling") {
			input.ServerlessV2ScalingConfiguration = cfg.scaling()
		}
		if _, err := h.api.ModifyDBCluster(ctx, input); err != nil {
			return nil, fmt.Errorf("failed to modify DB cluster: %w", err)
		}
		if err := h.waitAvailable(ctx, req.PhysicalID); err != nil {
			return nil, err
		}
	}
	if changed(req, "tags", "skipFinalSnapshot") {
		c, err := h.describe(ctx, req.PhysicalID)
		if err != nil {
			return nil, err
		}
		if err := syncRDSTags(ctx, h.api, aws.ToString(c.DBClusterArn), fromRDSTags(c.TagList), cfg.tags(req.LogicalID)); err != nil {
			return nil, err
		}
	}
	return h.result(ctx, req.PhysicalID)
}

// delete takes a final snapshot unless the cluster was tagged to skip it.
func (h *dbClusterHandler) delete(ctx context.Context, id string) error {
	c, err := h.describe(ctx, id)
	if err != nil {
		return err
	}
	input := &rds.DeleteDBClusterInput{DBClusterIdentifier: aws.String(id)}
	if fromRDSTags(c.TagList)[skipSnapshotTag] == "true" {
		input.SkipFinalSnapshot = aws.Bool(true)
	} else {
		input.SkipFinalSnapshot = aws.Bool(false)
		input.FinalDBSnapshotIdentifier = aws.String(fmt.Sprintf("%s-final-%d", id, time.Now().Unix()))
	}
	if _, err := h.api.DeleteDBCluster(ctx, input); err != nil {
		return fmt.Errorf("failed to delete DB cluster: %w", err)
	}
	if err := rds.NewDBClusterDeletedWaiter(h.api).Wait(ctx, &rds.DescribeDBClustersInput{DBClusterIdentifier: aws.String(id)}, dbWait); err != nil {
		return fmt.Errorf("DB cluster %s was not deleted: %w", id, err)
	}
	return nil
}

// Aurora instance

type dbInstanceConfig struct {
	DBInstanceIdentifier string            `json:"dbInstanceIdentifier" validate:"required,max=63"`
	DBClusterIdentifier  string            `json:"dbClusterIdentifier" validate:"required"`
	Engine               string            `json:"engine" validate:"required"`
	DBInstanceClass      string            `json:"dbInstanceClass" validate:"required"`
	PubliclyAccessible   bool              `json:"publiclyAccessible"`
	Tags                 map[string]string `json:"tags"`
}

type dbInstanceHandler struct {
	api rdsAPI
}

func (h *dbInstanceHandler) create(ctx context.Context, req *provider.CreateRequest) (*provider.Result, error) {
	var cfg dbInstanceConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}

	if err := replacingSelf(req, cfg.DBInstanceIdentifier); err != nil {
		return nil, err
	}
	_, err := h.describe(ctx, cfg.DBInstanceIdentifier)
	switch {
	case err == nil:
	case isNotFound(err):
		if _, err := h.api.CreateDBInstance(ctx, &rds.CreateDBInstanceInput{
			DBInstanceIdentifier: aws.String(cfg.DBInstanceIdentifier),
			DBClusterIdentifier:  aws.String(cfg.DBClusterIdentifier),
			Engine:               aws.String(cfg.Engine),
			DBInstanceClass:      aws.String(cfg.DBInstanceClass),
			PubliclyAccessible:   aws.Bool(cfg.PubliclyAccessible),
			Tags:                 rdsTags(withLogicalID(cfg.Tags, req.LogicalID)),
		}); err != nil && !hasCode(err, "DBInstanceAlreadyExists", "DBInstanceAlreadyExistsFault") {
			return nil, fmt.Errorf("failed to create DB instance: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to look up DB instance: %w", err)
	}

	if err := h.waitAvailable(ctx, cfg.DBInstanceIdentifier); err != nil {
		return nil, err
	}
	return h.result(ctx, cfg.DBInstanceIdentifier)
}

func (h *dbInstanceHandler) waitAvailable(ctx context.Context, id string) error {
	in := &rds.DescribeDBInstancesInput{DBInstanceIdentifier: aws.String(id)}
	if err := rds.NewDBInstanceAvailableWaiter(h.api).Wait(ctx, in, dbWait); err != nil {
		return fmt.Errorf("DB instance %s did not become available: %w", id, err)
	}
	return nil
}

func (h *dbInstanceHandler) describe(ctx context.Context, id string) (*types.DBInstance, error) {
	out, err := h.api.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{DBInstanceIdentifier: aws.String(id)})
	if err != nil {
		return nil, err
	}
	if len(out.DBInstances) == 0 {
		return nil, fmt.Errorf("DB instance %s: %w", id, provider.ErrNotFound)
	}
	return &out.DBInstances[0], nil
}

func (h *dbInstanceHandler) result(ctx context.Context, id string) (*provider.Result, error) {
	obs, err := h.read(ctx, id)
	if err != nil {
		return nil, err
	}
	return &provider.Result{PhysicalID: id, Outputs: obs.Outputs}, nil
}

func (h *dbInstanceHandler) read(ctx context.Context, id string) (*provider.Observed, error) {
	db, err := h.describe(ctx, id)
	if err != nil {
		return nil, err
	}
	outputs := map[string]any{
		"id":         id,
		"identifier": id,
		"arn":        aws.ToString(db.DBInstanceArn),
		"status":     aws.ToString(db.DBInstanceStatus),
	}
	if db.Endpoint != nil {
		outputs["address"] = aws.ToString(db.Endpoint.Address)
		outputs["port"] = int(aws.ToInt32(db.Endpoint.Port))
	}
	return &provider.Observed{
		PhysicalID: id,
		Properties: map[string]any{
			"dbInstanceIdentifier": aws.ToString(db.DBInstanceIdentifier),
			"dbClusterIdentifier":  aws.ToString(db.DBClusterIdentifier),
			"engine":               aws.ToString(db.Engine),
			"dbInstanceClass":      aws.ToString(db.DBInstanceClass),
			"tags":                 tagsToAny(userTags(fromRDSTags(db.TagList))),
		},
		Outputs: outputs,
	}, nil
}

func (h *dbInstanceHandler) update(ctx context.Context, req *provider.UpdateRequest) (*provider.Result, error) {
	var cfg dbInstanceConfig
	if err := decode(req.Kind, req.Properties, &cfg); err != nil {
		return nil, err
	}
	if changed(req, "dbInstanceClass") {
		if _, err := h.api.ModifyDBInstance(ctx, &rds.ModifyDBInstanceInput{
			DBInstanceIdentifier: aws.String(req.PhysicalID),
			DBInstanceClass:      aws.String(cfg.DBInstanceClass),
			ApplyImmediately:     aws.Bool(true),
		}); err != nil {
			return nil, fmt.Errorf("failed to modify DB instance: %w", err)
		}
		if err := h.waitAvailable(ctx, req.PhysicalID); err != nil {
			return nil, err
		}
	}
	if changed(req, "tags") {
		db, err := h.describe(ctx, req.PhysicalID)
		if err != nil {
			return nil, err
		}
		if err := syncRDSTags(ctx, h.api, aws.ToString(db.DBInstanceArn), fromRDSTags(db.TagList), withLogicalID(cfg.Tags, req.LogicalID)); err != nil {
			return nil, err
		}
	}
	return h.result(ctx, req.PhysicalID)
}

// delete removes a cluster member; snapshots are taken at cluster level.
func (h *dbInstanceHandler) delete(ctx context.Context, id string) error {
	if _, err := h.api.DeleteDBInstance(ctx, &rds.DeleteDBInstanceInput{
		DBInstanceIdentifier: aws.String(id),
		SkipFinalSnapshot:    aws.Bool(true),
	}); err != nil {
		return fmt.Errorf("failed to delete DB instance: %w", err)
	}
	if err := rds.NewDBInstanceDeletedWaiter(h.api).Wait(ctx, &rds.DescribeDBInstancesInput{DBInstanceIdentifier: aws.String(id)}, dbWait); err != nil {
		return fmt.Errorf("DB instance %s was not deleted: %w", id, err)
	}
	return nil
}
