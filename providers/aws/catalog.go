package aws

import "github.com/picklr-io/lakestack/internal/provider"

const (
	KindVpc           = "aws:EC2.Vpc"
	KindSubnet        = "aws:EC2.Subnet"
	KindSecurityGroup = "aws:EC2.SecurityGroup"

	KindRole            = "aws:IAM.Role"
	KindPolicy          = "aws:IAM.Policy"
	KindInstanceProfile = "aws:IAM.InstanceProfile"

	KindCluster                = "aws:EKS.Cluster"
	KindNodegroup              = "aws:EKS.Nodegroup"
	KindFargateProfile         = "aws:EKS.FargateProfile"
	KindAddon                  = "aws:EKS.Addon"
	KindAccessEntry            = "aws:EKS.AccessEntry"
	KindPodIdentityAssociation = "aws:EKS.PodIdentityAssociation"

	KindDBSubnetGroup = "aws:RDS.DBSubnetGroup"
	KindDBCluster     = "aws:RDS.DBCluster"
	KindDBInstance    = "aws:RDS.DBInstance"

	KindBucket = "aws:S3.Bucket"
	KindSecret = "aws:SecretsManager.Secret"
)

var catalog = provider.NewCatalog(
	provider.KindMetadata{
		Kind:            KindVpc,
		Description:     "network: VPC",
		Updatable:       []string{"enableDnsHostnames", "enableDnsSupport", "tags"},
		ForceNew:        []string{"cidrBlock"},
		ParallelReplace: true,
	},
	provider.KindMetadata{
		Kind:        KindSubnet,
		Description: "network: subnet",
		Updatable:   []string{"mapPublicIpOnLaunch", "tags"},
		ForceNew:    []string{"vpcId", "cidrBlock", "availabilityZone"},
	},
	provider.KindMetadata{
		Kind:        KindSecurityGroup,
		Description: "network: security group",
		Updatable:   []string{"ingress", "tags"},
		ForceNew:    []string{"groupName", "description", "vpcId"},
	},
	provider.KindMetadata{
		Kind:        KindRole,
		Description: "IAM: role",
		Updatable:   []string{"assumeRolePolicy", "description", "maxSessionDuration", "managedPolicyArns", "inlinePolicies", "tags"},
		ForceNew:    []string{"roleName", "path"},
	},
	provider.KindMetadata{
		Kind:        KindPolicy,
		Description: "IAM: customer managed policy",
		Updatable:   []string{"document", "tags"},
		ForceNew:    []string{"policyName", "path", "description"},
	},
	provider.KindMetadata{
		Kind:        KindInstanceProfile,
		Description: "IAM: instance profile",
		Updatable:   []string{"roleName"},
		ForceNew:    []string{"instanceProfileName", "path"},
	},
	provider.KindMetadata{
		Kind:        KindCluster,
		Description: "cluster: EKS control plane",
		Updatable:   []string{"version", "endpointPublicAccess", "endpointPrivateAccess", "tags"},
		ForceNew:    []string{"name", "roleArn", "subnetIds", "securityGroupIds", "authenticationMode"},
	},
	provider.KindMetadata{
		Kind:        KindNodegroup,
		Description: "node pool: EKS managed node group",
		Updatable:   []string{"scaling", "labels", "tags"},
		ForceNew:    []string{"clusterName", "nodegroupName", "nodeRoleArn", "subnetIds", "instanceTypes", "capacityType", "amiType", "diskSize"},
	},
	provider.KindMetadata{
		Kind:        KindFargateProfile,
		Description: "node pool: EKS Fargate profile",
		Updatable:   []string{"tags"},
		ForceNew:    []string{"clusterName", "fargateProfileName", "podExecutionRoleArn", "subnetIds", "selectors"},
	},
	provider.KindMetadata{
		Kind:        KindAddon,
		Description: "cluster: EKS add-on",
		Updatable:   []string{"addonVersion", "serviceAccountRoleArn", "resolveConflicts", "configurationValues", "tags"},
		ForceNew:    []string{"clusterName", "addonName"},
	},
	provider.KindMetadata{
		Kind:        KindAccessEntry,
		Description: "cluster: EKS access entry",
		Updatable:   []string{"kubernetesGroups", "tags"},
		ForceNew:    []string{"clusterName", "principalArn", "type"},
	},
	provider.KindMetadata{
		Kind:        KindPodIdentityAssociation,
		Description: "cluster: EKS pod identity association",
		Updatable:   []string{"roleArn", "tags"},
		ForceNew:    []string{"clusterName", "namespace", "serviceAccount"},
	},
	provider.KindMetadata{
		Kind:        KindDBSubnetGroup,
		Description: "database: RDS subnet group",
		Updatable:   []string{"description", "subnetIds", "tags"},
		ForceNew:    []string{"dbSubnetGroupName"},
	},
	provider.KindMetadata{
		Kind:        KindDBCluster,
		Description: "database: Aurora cluster",
		Updatable:   []string{"engineVersion", "masterPassword", "vpcSecurityGroupIds", "backupRetentionPeriod", "deletionProtection", "skipFinalSnapshot", "serverlessV2Scaling", "tags"},
		ForceNew:    []string{"dbClusterIdentifier", "engine", "databaseName", "masterUsername", "dbSubnetGroupName", "storageEncrypted", "port"},
	},
	provider.KindMetadata{
		Kind:        KindDBInstance,
		Description: "database: Aurora cluster instance",
		Updatable:   []string{"dbInstanceClass", "tags"},
		ForceNew:    []string{"dbInstanceIdentifier", "dbClusterIdentifier", "engine", "publiclyAccessible"},
	},
	provider.KindMetadata{
		Kind:        KindBucket,
		Description: "storage: S3 bucket",
		Updatable:   []string{"versioning", "blockPublicAccess", "forceDestroy", "tags"},
		ForceNew:    []string{"bucket"},
	},
	provider.KindMetadata{
		Kind:        KindSecret,
		Description: "secrets: Secrets Manager secret",
		Updatable:   []string{"description", "kmsKeyId", "secretString", "secretJson", "recoveryWindowInDays", "forceDelete", "tags"},
		ForceNew:    []string{"name", "generatePassword"},
	},
)
