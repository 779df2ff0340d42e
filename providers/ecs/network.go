package ecs

import (
	"context"

	"agent-orchestrator/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// resolveNetwork discovers the default-VPC subnets and security group for the
// awsvpc task configuration when the route does not pin them.
func resolveNetwork(ctx context.Context, cfg aws.Config) (subnets, groups []string, err error) {
	client := ec2.NewFromConfig(cfg)

	subnetOut, err := client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("default-for-az"), Values: []string{"true"}},
		},
	})
	if err != nil {
		return nil, nil, models.WrapExecError(models.ErrKindInfra, "submit", err)
	}
	for _, subnet := range subnetOut.Subnets {
		subnets = append(subnets, aws.ToString(subnet.SubnetId))
	}
	if len(subnets) == 0 {
		return nil, nil, models.NewExecError(models.ErrKindInfra, "submit", "no default subnets in target account")
	}

	groupOut, err := client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("group-name"), Values: []string{"default"}},
		},
	})
	if err != nil {
		return nil, nil, models.WrapExecError(models.ErrKindInfra, "submit", err)
	}
	for _, group := range groupOut.SecurityGroups {
		groups = append(groups, aws.ToString(group.GroupId))
	}

	return subnets, groups, nil
}
