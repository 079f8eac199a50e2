// Copyright Contributors to the KubeTask project

package controller

import (
	"strings"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/kubetask/kubetask-orchestrator/internal/model"
)

const nameHashLen = 8

// hashSuffix is a short digest of s that is stable across runs
func hashSuffix(s string) string {
	return strings.ReplaceAll(uuid.NewSHA1(uuid.NameSpaceOID, []byte(s)).String(), "-", "")[:nameHashLen]
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// sanitizeName maps characters outside allowed to '-', trims the result to fit 63
// characters and appends a hash of s, so distinct inputs keep distinct names
func sanitizeName(s string, allowed func(r rune) bool) string {
	mapped := strings.Map(func(r rune) rune {
		if allowed(r) {
			return r
		}
		return '-'
	}, s)
	if limit := validation.DNS1123LabelMaxLength - nameHashLen - 1; len(mapped) > limit {
		mapped = mapped[:limit]
	}
	mapped = strings.TrimFunc(mapped, func(r rune) bool { return !isAlphanumeric(r) })
	if mapped == "" {
		return hashSuffix(s)
	}
	return mapped + "-" + hashSuffix(s)
}

// sessionPVCName names the claim shared by all tasks of a session. Tasks without a
// session get no claim.
func sessionPVCName(task *model.Task) string {
	if task.SessionID == "" {
		return ""
	}
	name := "session-" + strings.ToLower(task.SessionID)
	if len(validation.IsDNS1123Label(name)) == 0 {
		return name
	}
	return sanitizeName(name, func(r rune) bool {
		return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-'
	})
}

// labelValue returns v when it is a valid label value and a sanitized form otherwise
func labelValue(v string) string {
	if len(validation.IsValidLabelValue(v)) == 0 {
		return v
	}
	return sanitizeName(v, func(r rune) bool {
		return isAlphanumeric(r) || r == '-' || r == '_' || r == '.'
	})
}
