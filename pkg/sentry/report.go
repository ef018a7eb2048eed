// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sentry

import (
	"fmt"

	"go.uber.org/zap"
)

type IssueType string

const (
	IssueTypeWarning IssueType = "warning"
	IssueTypeError   IssueType = "error"
	IssueTypeFatal   IssueType = "fatal"
)

func ReportIssue(err error, issueType IssueType, log *zap.SugaredLogger) {
	ReportIssueWithContext(err, issueType, log, nil)
}

func ReportIssuef(issueType IssueType, log *zap.SugaredLogger, template string, args ...interface{}) {
	ReportIssue(fmt.Errorf(template, args...), issueType, log)
}

// ReportIssueWithContext reports an issue with additional context data that will be included in Sentry.
func ReportIssueWithContext(err error, issueType IssueType, log *zap.SugaredLogger, context map[string]interface{}) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	switch issueType {
	case IssueTypeFatal:
		reportFatal(err, log, context)
	case IssueTypeError:
		reportError(err, log, context)
	case IssueTypeWarning:
		reportWarning(err, log, context)
	}
}

// ReportIssuefWithContext formats an error message and reports it with additional context data.
func ReportIssuefWithContext(issueType IssueType, log *zap.SugaredLogger, context map[string]interface{}, template string, args ...interface{}) {
	ReportIssueWithContext(fmt.Errorf(template, args...), issueType, log, context)
}

func fsmContext(instanceID, fsmType, operation string) map[string]interface{} {
	return map[string]interface{}{
		"instance_id": instanceID,
		"fsm_type":    fsmType,
		"operation":   operation,
	}
}

// ReportFSMError reports a state machine defect. instanceID is the
// machine id (usually the account), fsmType the table name.
func ReportFSMError(log *zap.SugaredLogger, instanceID string, fsmType string, operation string, err error) {
	ReportIssueWithContext(err, IssueTypeError, log, fsmContext(instanceID, fsmType, operation))
}

// ReportFSMFatal is used for malformed transition tables.
func ReportFSMFatal(log *zap.SugaredLogger, instanceID string, fsmType string, operation string, err error) {
	ReportIssueWithContext(err, IssueTypeFatal, log, fsmContext(instanceID, fsmType, operation))
}

func ReportFSMErrorf(log *zap.SugaredLogger, instanceID string, fsmType string, operation string, template string, args ...interface{}) {
	ReportIssuefWithContext(IssueTypeError, log, fsmContext(instanceID, fsmType, operation), template, args...)
}

// ReportAccountErrorf reports a controller level problem for one account.
func ReportAccountErrorf(log *zap.SugaredLogger, accountID string, protocol string, operation string, template string, args ...interface{}) {
	context := map[string]interface{}{
		"account_id":   accountID,
		"service_type": protocol,
		"operation":    operation,
	}
	ReportIssuefWithContext(IssueTypeError, log, context, template, args...)
}
