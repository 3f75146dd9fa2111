package resolver_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/RyanSquared/k8s-ares/internal/resolver"
)

const ns = "default"

func newPod(name, node string, lbls map[string]string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Labels: lbls},
		Spec:       corev1.PodSpec{NodeName: node},
	}
}

func newNode(name string, addrs ...corev1.NodeAddress) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status:     corev1.NodeStatus{Addresses: addrs},
	}
}

func external(ip string) corev1.NodeAddress {
	return corev1.NodeAddress{Type: corev1.NodeExternalIP, Address: ip}
}

func newResolver(t *testing.T, objs ...client.Object) *resolver.Resolver {
	t.Helper()

	scheme := runtime.NewScheme()
	require.NoError(t, corev1.AddToScheme(scheme))
	return &resolver.Resolver{Client: fake.NewClientBuilder().WithScheme(scheme).WithObjects(objs...).Build()}
}

// fixture pods:
//
//	p-mail:  app=mail, tier=backend
//	p-web:   app=web,  tier=frontend
//	p-batch: app=batch (no tier)
func fixture(t *testing.T) *resolver.Resolver {
	t.Helper()

	return newResolver(t,
		newNode("n1", external("192.0.2.1")),
		newNode("n2", external("192.0.2.2")),
		newNode("n3", external("192.0.2.3")),
		newPod("p-mail", "n1", map[string]string{"app": "mail", "tier": "backend"}),
		newPod("p-web", "n2", map[string]string{"app": "web", "tier": "frontend"}),
		newPod("p-batch", "n3", map[string]string{"app": "batch"}),
	)
}

func podNames(pods []corev1.Pod) []string {
	out := make([]string, 0, len(pods))
	for _, p := range pods {
		out = append(out, p.Name)
	}
	return out
}

func TestSelectorOperators(t *testing.T) {
	t.Parallel()

	r := fixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		sel  *metav1.LabelSelector
		want []string
	}{
		{
			name: "matchLabels",
			sel:  &metav1.LabelSelector{MatchLabels: map[string]string{"app": "mail"}},
			want: []string{"p-mail"},
		},
		{
			name: "In",
			sel: &metav1.LabelSelector{MatchExpressions: []metav1.LabelSelectorRequirement{
				{Key: "app", Operator: metav1.LabelSelectorOpIn, Values: []string{"mail", "web"}},
			}},
			want: []string{"p-mail", "p-web"},
		},
		{
			name: "NotIn matches absent label",
			sel: &metav1.LabelSelector{MatchExpressions: []metav1.LabelSelectorRequirement{
				{Key: "tier", Operator: metav1.LabelSelectorOpNotIn, Values: []string{"frontend"}},
			}},
			want: []string{"p-batch", "p-mail"},
		},
		{
			name: "Exists",
			sel: &metav1.LabelSelector{MatchExpressions: []metav1.LabelSelectorRequirement{
				{Key: "tier", Operator: metav1.LabelSelectorOpExists},
			}},
			want: []string{"p-mail", "p-web"},
		},
		{
			name: "DoesNotExist",
			sel: &metav1.LabelSelector{MatchExpressions: []metav1.LabelSelectorRequirement{
				{Key: "tier", Operator: metav1.LabelSelectorOpDoesNotExist},
			}},
			want: []string{"p-batch"},
		},
		{
			name: "combined terms are ANDed",
			sel: &metav1.LabelSelector{
				MatchLabels: map[string]string{"tier": "backend"},
				MatchExpressions: []metav1.LabelSelectorRequirement{
					{Key: "app", Operator: metav1.LabelSelectorOpIn, Values: []string{"mail", "batch"}},
					{Key: "app", Operator: metav1.LabelSelectorOpNotIn, Values: []string{"web"}},
					{Key: "tier", Operator: metav1.LabelSelectorOpExists},
				},
			},
			want: []string{"p-mail"},
		},
		{
			name: "no match",
			sel:  &metav1.LabelSelector{MatchLabels: map[string]string{"app": "nothing"}},
			want: []string{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pods, err := r.MatchingPods(ctx, tc.sel, ns)
			require.NoError(t, err)
			require.Equal(t, tc.want, podNames(pods))
		})
	}
}

func TestSelectorEvaluationErrors(t *testing.T) {
	t.Parallel()

	r := fixture(t)
	ctx := context.Background()

	bad := []*metav1.LabelSelector{
		nil,
		{},
		{MatchExpressions: []metav1.LabelSelectorRequirement{{Key: "app", Operator: "Matches", Values: []string{"x"}}}},
		{MatchExpressions: []metav1.LabelSelectorRequirement{{Key: "app", Operator: metav1.LabelSelectorOpIn}}},
		{MatchExpressions: []metav1.LabelSelectorRequirement{{Key: "app", Operator: metav1.LabelSelectorOpNotIn}}},
	}
	for i, sel := range bad {
		_, err := r.Resolve(ctx, sel, ns, resolver.AnyFamily)
		require.ErrorIs(t, err, resolver.ErrSelectorEvaluation, "case %d", i)
	}
}

func TestResolveOrdersAndDeduplicates(t *testing.T) {
	t.Parallel()

	r := newResolver(t,
		newNode("n1", external("192.0.2.1"), corev1.NodeAddress{Type: corev1.NodeInternalIP, Address: "10.0.0.1"}),
		newNode("n2", external("192.0.2.2"), external("2001:db8::2")),
		newPod("c", "n1", map[string]string{"app": "mail"}),
		newPod("a", "n2", map[string]string{"app": "mail"}),
		newPod("b", "n1", map[string]string{"app": "mail"}),
	)
	sel := &metav1.LabelSelector{MatchLabels: map[string]string{"app": "mail"}}

	values, err := r.Resolve(context.Background(), sel, ns, resolver.AnyFamily)
	require.NoError(t, err)
	require.Equal(t, []string{"192.0.2.2", "2001:db8::2", "192.0.2.1"}, values)

	v4, err := r.Resolve(context.Background(), sel, ns, resolver.IPv4)
	require.NoError(t, err)
	require.Equal(t, []string{"192.0.2.2", "192.0.2.1"}, v4)

	v6, err := r.Resolve(context.Background(), sel, ns, resolver.IPv6)
	require.NoError(t, err)
	require.Equal(t, []string{"2001:db8::2"}, v6)
}

func TestResolveFallsBackToHostIP(t *testing.T) {
	t.Parallel()

	pod := newPod("p", "n1", map[string]string{"app": "mail"})
	pod.Status.HostIP = "10.0.0.7"
	r := newResolver(t, newNode("n1", corev1.NodeAddress{Type: corev1.NodeInternalIP, Address: "10.0.0.7"}), pod)

	values, err := r.Resolve(context.Background(), &metav1.LabelSelector{MatchLabels: map[string]string{"app": "mail"}}, ns, resolver.IPv4)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.7"}, values)
}

func TestResolveSkipsUnscheduledAndOtherNamespaces(t *testing.T) {
	t.Parallel()

	other := newPod("elsewhere", "n1", map[string]string{"app": "mail"})
	other.Namespace = "other"
	succeeded := newPod("job-done", "n1", map[string]string{"app": "mail"})
	succeeded.Status.Phase = corev1.PodSucceeded
	failed := newPod("job-failed", "n1", map[string]string{"app": "mail"})
	failed.Status.Phase = corev1.PodFailed
	r := newResolver(t,
		newNode("n1", external("192.0.2.1")),
		newPod("pending", "", map[string]string{"app": "mail"}),
		other,
		succeeded,
		failed,
	)

	values, err := r.Resolve(context.Background(), &metav1.LabelSelector{MatchLabels: map[string]string{"app": "mail"}}, ns, resolver.AnyFamily)
	require.NoError(t, err)
	require.NotNil(t, values)
	require.Empty(t, values)
}
