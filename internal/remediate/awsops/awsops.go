// Package awsops runs remediation actions through AWS Systems Manager
// automation documents and Lambda functions.
package awsops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/retry"
)

// maxErrorPayload bounds how much of a failed function's response is kept.
const maxErrorPayload = 512

// AutomationAPI is the subset of the SSM client used here.
type AutomationAPI interface {
	StartAutomationExecution(ctx context.Context, in *ssm.StartAutomationExecutionInput, optFns ...func(*ssm.Options)) (*ssm.StartAutomationExecutionOutput, error)
}

// InvokeAPI is the subset of the Lambda client used here.
type InvokeAPI interface {
	Invoke(ctx context.Context, in *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// Automation starts SSM automation documents for "ssm:<document>" targets.
// Action params become document parameters.
type Automation struct {
	client AutomationAPI
	// assumeRole is passed as AutomationAssumeRole when the action does not
	// set it.
	assumeRole string
}

// NewAutomation creates an SSM automation executor.
func NewAutomation(client AutomationAPI, assumeRole string) *Automation {
	return &Automation{client: client, assumeRole: assumeRole}
}

func (a *Automation) Scheme() string { return "ssm" }

func (a *Automation) Kinds() []incident.ActionKind {
	return []incident.ActionKind{incident.KindRemediate}
}

// Execute starts the automation and returns its execution id. It does not
// wait for the automation to finish.
func (a *Automation) Execute(ctx context.Context, req *dispatch.Request) (*dispatch.Result, error) {
	doc := req.Target()
	if doc == "" {
		return nil, retry.Permanent(fmt.Errorf("%w: ssm target needs a document name", dispatch.ErrUnknownTarget))
	}

	params := make(map[string][]string, len(req.Action.Params)+1)
	for k, v := range req.Action.Params {
		params[k] = []string{v}
	}
	if _, ok := params["AutomationAssumeRole"]; !ok && a.assumeRole != "" {
		params["AutomationAssumeRole"] = []string{a.assumeRole}
	}

	out, err := a.client.StartAutomationExecution(ctx, &ssm.StartAutomationExecutionInput{
		DocumentName: aws.String(doc),
		Parameters:   params,
		Tags: []ssmtypes.Tag{
			{Key: aws.String("warden:incident"), Value: aws.String(req.Incident.Key)},
			{Key: aws.String("warden:action"), Value: aws.String(req.Action.ID)},
		},
	})
	if err != nil {
		err = fmt.Errorf("ssm: start automation %s: %w", doc, err)
		if ssmPermanent(err) {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	id := aws.ToString(out.AutomationExecutionId)
	return &dispatch.Result{Detail: "started automation " + doc, ExternalRef: id}, nil
}

func ssmPermanent(err error) bool {
	var (
		notFound   *ssmtypes.AutomationDefinitionNotFoundException
		badVersion *ssmtypes.AutomationDefinitionVersionNotFoundException
		badParams  *ssmtypes.InvalidAutomationExecutionParametersException
	)
	return errors.As(err, &notFound) || errors.As(err, &badVersion) || errors.As(err, &badParams)
}

// Function invokes Lambda functions synchronously for "lambda:<function>"
// targets.
type Function struct {
	client InvokeAPI
}

// NewFunction creates a Lambda executor.
func NewFunction(client InvokeAPI) *Function {
	return &Function{client: client}
}

func (f *Function) Scheme() string { return "lambda" }

func (f *Function) Kinds() []incident.ActionKind {
	return []incident.ActionKind{incident.KindRemediate}
}

// Payload is the JSON event a remediation function receives.
type Payload struct {
	IncidentKey string            `json:"incident_key"`
	ActionID    string            `json:"action_id"`
	Attempt     int               `json:"attempt"`
	ResourceID  string            `json:"resource_id"`
	MetricName  string            `json:"metric_name"`
	Namespace   string            `json:"namespace"`
	AccountID   string            `json:"account_id"`
	Region      string            `json:"region"`
	Params      map[string]string `json:"params,omitempty"`
}

// Execute invokes the function and waits for its result. A function error
// is not retried.
func (f *Function) Execute(ctx context.Context, req *dispatch.Request) (*dispatch.Result, error) {
	fn := req.Target()
	if fn == "" {
		return nil, retry.Permanent(fmt.Errorf("%w: lambda target needs a function name", dispatch.ErrUnknownTarget))
	}

	inc := req.Incident
	payload, err := json.Marshal(Payload{
		IncidentKey: inc.Key,
		ActionID:    req.Action.ID,
		Attempt:     req.Attempt,
		ResourceID:  inc.ResourceID,
		MetricName:  inc.MetricName,
		Namespace:   inc.Namespace,
		AccountID:   inc.AccountID,
		Region:      inc.Region,
		Params:      req.Action.Params,
	})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("lambda: marshal payload: %w", err))
	}

	out, err := f.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(fn),
		InvocationType: lambdatypes.InvocationTypeRequestResponse,
		Payload:        payload,
	})
	if err != nil {
		err = fmt.Errorf("lambda: invoke %s: %w", fn, err)
		if lambdaPermanent(err) {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	if out.FunctionError != nil {
		body := out.Payload
		if len(body) > maxErrorPayload {
			body = body[:maxErrorPayload]
		}
		return nil, retry.Permanent(fmt.Errorf("lambda: %s returned %s: %s", fn, aws.ToString(out.FunctionError), body))
	}

	res := &dispatch.Result{Detail: fmt.Sprintf("invoked %s (status %d)", fn, out.StatusCode)}
	if out.ExecutedVersion != nil {
		res.ExternalRef = fn + ":" + aws.ToString(out.ExecutedVersion)
	}
	return res, nil
}

func lambdaPermanent(err error) bool {
	var (
		notFound *lambdatypes.ResourceNotFoundException
		badParam *lambdatypes.InvalidParameterValueException
		badBody  *lambdatypes.InvalidRequestContentException
	)
	return errors.As(err, &notFound) || errors.As(err, &badParam) || errors.As(err, &badBody)
}
