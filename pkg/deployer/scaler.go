package deployer

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
)

const DefaultModelLabel = "gpulease.io/model"

var ErrNoDeployment = errors.New("no deployment for model")

var invalidLabelChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// LabelValue converts a model id into the value of the model label.
// "acme/llama-3" becomes "acme.llama-3".
func LabelValue(modelID string) string {
	value := invalidLabelChars.ReplaceAllString(strings.ReplaceAll(modelID, "/", "."), "-")
	if len(value) > validation.LabelValueMaxLength {
		value = value[:validation.LabelValueMaxLength]
	}
	return strings.Trim(value, ".-_")
}

// ScaleResult says what Scale did to one model's deployments.
type ScaleResult string

const (
	ScaleResultScaled    ScaleResult = "scaled"
	ScaleResultUnchanged ScaleResult = "unchanged"
	ScaleResultMissing   ScaleResult = "missing"
	ScaleResultError     ScaleResult = "error"
)

// Scaler runs a model's Deployments at one replica while the model is
// active and at zero otherwise.
type Scaler struct {
	client    kubernetes.Interface
	namespace string
	labelKey  string
	logger    *zap.Logger
}

func NewScaler(client kubernetes.Interface, namespace, labelKey string, logger *zap.Logger) *Scaler {
	if namespace == "" {
		namespace = metav1.NamespaceDefault
	}
	if labelKey == "" {
		labelKey = DefaultModelLabel
	}
	return &Scaler{client: client, namespace: namespace, labelKey: labelKey, logger: logger}
}

func (s *Scaler) selector(modelID string) (string, error) {
	value := LabelValue(modelID)
	if errs := validation.IsValidLabelValue(value); len(errs) > 0 || value == "" {
		return "", fmt.Errorf("model %s has no valid label value: %s", modelID, strings.Join(errs, "; "))
	}
	return labels.SelectorFromSet(labels.Set{s.labelKey: value}).String(), nil
}

func (s *Scaler) Scale(ctx context.Context, modelID string, active bool) (ScaleResult, error) {
	selector, err := s.selector(modelID)
	if err != nil {
		return ScaleResultError, err
	}

	deployments := s.client.AppsV1().Deployments(s.namespace)
	list, err := deployments.List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return ScaleResultError, fmt.Errorf("list deployments for %s: %w", modelID, err)
	}
	if len(list.Items) == 0 {
		return ScaleResultMissing, fmt.Errorf("%w: %s", ErrNoDeployment, modelID)
	}

	want := int32(0)
	if active {
		want = 1
	}

	result := ScaleResultUnchanged
	for _, item := range list.Items {
		name := item.Name
		changed := false
		err := retry.RetryOnConflict(retry.DefaultRetry, func() error {
			current, err := deployments.Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			if replicas(current) == want {
				changed = false
				return nil
			}
			current.Spec.Replicas = &want
			_, err = deployments.Update(ctx, current, metav1.UpdateOptions{})
			changed = err == nil
			return err
		})
		if err != nil {
			return ScaleResultError, fmt.Errorf("scale deployment %s/%s: %w", s.namespace, name, err)
		}
		if changed {
			result = ScaleResultScaled
			s.logger.Info("scaled model deployment",
				zap.String("model_id", modelID),
				zap.String("deployment", name),
				zap.Int32("replicas", want),
			)
		}
	}
	return result, nil
}

func replicas(d *appsv1.Deployment) int32 {
	if d.Spec.Replicas == nil {
		return 1
	}
	return *d.Spec.Replicas
}
