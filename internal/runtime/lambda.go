package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"go.uber.org/zap"

	"github.com/floww-sh/floww/internal/store"
)

// LambdaBackend runs workflow code as container-image Lambda functions.
// Invocation is an async enqueue; the function reports completion through
// the execution callback endpoints.
type LambdaBackend struct {
	client  *lambda.Client
	log     *zap.Logger
	roleARN string
}

var _ Backend = (*LambdaBackend)(nil)

func NewLambdaBackend(ctx context.Context, log *zap.Logger) (*LambdaBackend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	roleARN := os.Getenv("LAMBDA_ROLE_ARN")
	if roleARN == "" {
		return nil, errors.New("LAMBDA_ROLE_ARN is required for the lambda runtime")
	}
	return &LambdaBackend{
		client:  lambda.NewFromConfig(cfg),
		log:     log,
		roleARN: roleARN,
	}, nil
}

func functionName(runtimeID string) string {
	return "floww-runtime-" + runtimeID
}

// CreateRuntime registers the image as a Lambda function. An existing
// function under the same name means a previous create already ran; the
// probe path reports its state.
func (l *LambdaBackend) CreateRuntime(ctx context.Context, rt *store.Runtime, img string) (*ProvisionState, error) {
	name := functionName(rt.ID)
	_, err := l.client.CreateFunction(ctx, &lambda.CreateFunctionInput{
		FunctionName: aws.String(name),
		PackageType:  lambdatypes.PackageTypeImage,
		Code:         &lambdatypes.FunctionCode{ImageUri: aws.String(img)},
		Role:         aws.String(l.roleARN),
		Timeout:      aws.Int32(300),
		MemorySize:   aws.Int32(512),
	})
	if err != nil {
		var conflict *lambdatypes.ResourceConflictException
		if errors.As(err, &conflict) {
			return l.RuntimeStatus(ctx, rt)
		}
		return &ProvisionState{
			Status: store.RuntimeFailed,
			Logs:   []string{"create function failed: " + err.Error()},
		}, nil
	}
	return &ProvisionState{
		Status: store.RuntimeInProgress,
		Logs:   []string{"function " + name + " creating"},
	}, nil
}

// RuntimeStatus maps the function's lifecycle state onto provisioning
// status: Pending -> IN_PROGRESS, Active -> COMPLETED, anything else FAILED.
func (l *LambdaBackend) RuntimeStatus(ctx context.Context, rt *store.Runtime) (*ProvisionState, error) {
	out, err := l.client.GetFunction(ctx, &lambda.GetFunctionInput{
		FunctionName: aws.String(functionName(rt.ID)),
	})
	if err != nil {
		var notFound *lambdatypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return &ProvisionState{
				Status: store.RuntimeFailed,
				Logs:   []string{"function not found"},
			}, nil
		}
		return nil, fmt.Errorf("get function: %w", err)
	}

	state := out.Configuration.State
	switch state {
	case lambdatypes.StatePending:
		return &ProvisionState{Status: store.RuntimeInProgress}, nil
	case lambdatypes.StateActive:
		return &ProvisionState{Status: store.RuntimeCompleted}, nil
	default:
		logs := []string{"function state: " + string(state)}
		if out.Configuration.StateReason != nil {
			logs = append(logs, *out.Configuration.StateReason)
		}
		return &ProvisionState{Status: store.RuntimeFailed, Logs: logs}, nil
	}
}

// InvokeTrigger enqueues an async invocation; Lambda owns retry semantics
// from here.
func (l *LambdaBackend) InvokeTrigger(ctx context.Context, rt *store.Runtime, img string, payload *Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = l.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(functionName(rt.ID)),
		InvocationType: lambdatypes.InvocationTypeEvent,
		Payload:        body,
	})
	if err != nil {
		return fmt.Errorf("invoke function for runtime %s: %w", rt.ID, err)
	}
	return nil
}

// TeardownUnusedRuntimes is a no-op: functions cost nothing while idle.
func (l *LambdaBackend) TeardownUnusedRuntimes(ctx context.Context) error {
	return nil
}
