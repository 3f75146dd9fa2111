// SPDX-License-Identifier: AGPL-3.0-only

// Package resolver turns a pod selector into the addresses of the Nodes
// running the selected Pods.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

// ErrSelectorEvaluation marks selectors that cannot be evaluated.
var ErrSelectorEvaluation = errors.New("selector evaluation error")

// Family restricts resolved addresses to one IP family.
type Family int

const (
	AnyFamily Family = iota
	IPv4
	IPv6
)

// Resolver evaluates pod selectors against the cluster.
type Resolver struct {
	Client client.Reader
}

// Selector converts a LabelSelector, rejecting unsupported operators,
// missing values for In and NotIn, and selectors without any term.
func Selector(sel *metav1.LabelSelector) (labels.Selector, error) {
	if sel == nil || (len(sel.MatchLabels) == 0 && len(sel.MatchExpressions) == 0) {
		return nil, fmt.Errorf("%w: podSelector must set matchLabels or matchExpressions", ErrSelectorEvaluation)
	}
	s, err := metav1.LabelSelectorAsSelector(sel)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSelectorEvaluation, err)
	}
	return s, nil
}

// MatchingPods lists the Pods in namespace matched by sel, ordered by name.
// Unscheduled, terminating and finished Pods are skipped.
func (r *Resolver) MatchingPods(ctx context.Context, sel *metav1.LabelSelector, namespace string) ([]corev1.Pod, error) {
	s, err := Selector(sel)
	if err != nil {
		return nil, err
	}
	var pods corev1.PodList
	if err := r.Client.List(ctx, &pods, client.InNamespace(namespace), client.MatchingLabelsSelector{Selector: s}); err != nil {
		return nil, fmt.Errorf("list pods in %q: %w", namespace, err)
	}
	out := make([]corev1.Pod, 0, len(pods.Items))
	for _, p := range pods.Items {
		if p.Spec.NodeName == "" || !p.DeletionTimestamp.IsZero() {
			continue
		}
		if p.Status.Phase == corev1.PodSucceeded || p.Status.Phase == corev1.PodFailed {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Resolve returns the addresses of the Nodes running the Pods selected by
// sel. External Node addresses are preferred, falling back to the Pod's host
// IP. The result follows Pod name order with duplicates removed. An empty
// result is not an error.
func (r *Resolver) Resolve(ctx context.Context, sel *metav1.LabelSelector, namespace string, family Family) ([]string, error) {
	logger := logf.FromContext(ctx)

	pods, err := r.MatchingPods(ctx, sel, namespace)
	if err != nil {
		return nil, err
	}

	nodeAddrs := map[string][]string{}
	seen := sets.New[string]()
	values := []string{}
	for _, pod := range pods {
		addrs, ok := nodeAddrs[pod.Spec.NodeName]
		if !ok {
			addrs, err = r.nodeExternalAddresses(ctx, pod.Spec.NodeName)
			if err != nil {
				return nil, err
			}
			nodeAddrs[pod.Spec.NodeName] = addrs
		}
		if len(addrs) == 0 && pod.Status.HostIP != "" {
			addrs = hostIPs(pod)
		}
		for _, a := range addrs {
			if !family.matches(a) || seen.Has(a) {
				continue
			}
			seen.Insert(a)
			values = append(values, a)
		}
	}
	logger.V(1).Info("resolved pod selector", "namespace", namespace, "pods", len(pods), "values", values)
	return values, nil
}

func (r *Resolver) nodeExternalAddresses(ctx context.Context, name string) ([]string, error) {
	var node corev1.Node
	if err := r.Client.Get(ctx, client.ObjectKey{Name: name}, &node); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get node %q: %w", name, err)
	}
	var out []string
	for _, a := range node.Status.Addresses {
		if a.Type == corev1.NodeExternalIP && a.Address != "" {
			out = append(out, a.Address)
		}
	}
	return out, nil
}

func hostIPs(pod corev1.Pod) []string {
	if len(pod.Status.HostIPs) == 0 {
		return []string{pod.Status.HostIP}
	}
	out := make([]string, 0, len(pod.Status.HostIPs))
	for _, ip := range pod.Status.HostIPs {
		out = append(out, ip.IP)
	}
	return out
}

func (f Family) matches(addr string) bool {
	if f == AnyFamily {
		return true
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	if f == IPv4 {
		return ip.Unmap().Is4()
	}
	return ip.Is6() && !ip.Is4In6()
}
