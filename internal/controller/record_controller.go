// SPDX-License-Identifier: AGPL-3.0-only

package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/util/retry"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"
	"sigs.k8s.io/controller-runtime/pkg/source"

	aresv1alpha1 "github.com/RyanSquared/k8s-ares/api/v1alpha1"
	"github.com/RyanSquared/k8s-ares/internal/ownership"
	"github.com/RyanSquared/k8s-ares/internal/provider"
	"github.com/RyanSquared/k8s-ares/internal/resolver"
	"github.com/RyanSquared/k8s-ares/internal/router"
)

const (
	recordFinalizer = "syntixi.io/finalize-record"

	// PodSelectorIndex indexes Records whose values come from a pod selector.
	PodSelectorIndex = "spec.valueFrom.podSelector"

	defaultMaxConcurrentReconciles = 4
	defaultBackoffBase             = time.Second
	defaultBackoffMax              = 5 * time.Minute
)

var errInvalidRecord = errors.New("invalid record")

// RecordReconciler converges provider zones with Record resources. Each
// Record owns at most one RRset, guarded by an ownership marker stored next
// to it in the provider.
type RecordReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Router   *router.Router
	Resolver *resolver.Resolver

	// MarkerTTL is the TTL of ownership markers; zero leaves the provider
	// default.
	MarkerTTL int64

	MaxConcurrentReconciles int
	BackoffBase             time.Duration
	BackoffMax              time.Duration
}

// +kubebuilder:rbac:groups=syntixi.io,resources=records,verbs=get;list;watch;update;patch
// +kubebuilder:rbac:groups=syntixi.io,resources=records/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=syntixi.io,resources=records/finalizers,verbs=update
// +kubebuilder:rbac:groups="",resources=pods,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=nodes,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=secrets,verbs=get

func (r *RecordReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	var rec aresv1alpha1.Record
	if err := r.Get(ctx, req.NamespacedName, &rec); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}
	logger := logf.FromContext(ctx).WithValues("fqdn", rec.Spec.FQDN, "type", rec.Spec.Type)
	ctx = logf.IntoContext(ctx, logger)

	if rec.DeletionTimestamp.IsZero() {
		if err := r.ensureFinalizer(ctx, &rec); err != nil {
			logger.Error(err, "failed to add record finalizer")
			return ctrl.Result{}, client.IgnoreNotFound(err)
		}
	}
	if !rec.DeletionTimestamp.IsZero() {
		return r.reconcileDelete(ctx, &rec)
	}
	return r.reconcilePresent(ctx, &rec)
}

func (r *RecordReconciler) ensureFinalizer(ctx context.Context, rec *aresv1alpha1.Record) error {
	if controllerutil.ContainsFinalizer(rec, recordFinalizer) {
		return nil
	}
	return retry.RetryOnConflict(retry.DefaultBackoff, func() error {
		var cur aresv1alpha1.Record
		if err := r.Get(ctx, client.ObjectKeyFromObject(rec), &cur); err != nil {
			return err
		}
		// Do not add new finalizers if deletion has started
		if !cur.DeletionTimestamp.IsZero() || controllerutil.ContainsFinalizer(&cur, recordFinalizer) {
			cur.DeepCopyInto(rec)
			return nil
		}
		base := cur.DeepCopy()
		controllerutil.AddFinalizer(&cur, recordFinalizer)
		if err := r.Patch(ctx, &cur, client.MergeFrom(base)); err != nil {
			return err
		}
		cur.DeepCopyInto(rec)
		return nil
	})
}

func (r *RecordReconciler) reconcilePresent(ctx context.Context, rec *aresv1alpha1.Record) (ctrl.Result, error) {
	logger := logf.FromContext(ctx)
	base := rec.DeepCopy()
	rec.Status.ObservedGeneration = rec.Generation

	desired, err := r.desired(ctx, rec)
	if err != nil {
		return r.failure(ctx, rec, base, CondAccepted, classify(err), err)
	}
	if prev, moved := previousName(rec, desired); moved {
		if err := r.release(ctx, rec, prev); err != nil {
			return r.failure(ctx, rec, base, CondProgrammed, classify(err), err)
		}
		logger.Info("released previously claimed name", "previousFQDN", prev.FQDN, "previousType", prev.Type)
		rec.Status.FQDN, rec.Status.Type = "", ""
	}
	route, err := r.Router.Route(desired.FQDN)
	if err != nil {
		return r.failure(ctx, rec, base, CondAccepted, classify(err), err)
	}
	rec.Status.FQDN = desired.FQDN
	rec.Status.Type = rec.Spec.Type
	rec.Status.Provider = route.Kind
	rec.Status.Zone = route.Zone
	setCondition(&rec.Status.Conditions, metav1.Condition{
		Type:               CondAccepted,
		Status:             metav1.ConditionTrue,
		Reason:             ReasonAccepted,
		Message:            fmt.Sprintf("Routed to %s provider for zone %s", route.Kind, route.Zone),
		ObservedGeneration: rec.Generation,
	})

	if err := r.sync(ctx, route, desired, ownerOf(rec)); err != nil {
		return r.failure(ctx, rec, base, CondProgrammed, classify(err), err)
	}

	message := "Record programmed"
	rec.Status.Values = desired.Values
	if len(desired.Values) == 0 {
		message = "No values resolved; record is absent from the provider"
		rec.Status.Values = nil
	}
	setCondition(&rec.Status.Conditions, metav1.Condition{
		Type:               CondProgrammed,
		Status:             metav1.ConditionTrue,
		Reason:             ReasonProgrammed,
		Message:            message,
		ObservedGeneration: rec.Generation,
	})
	if err := r.patchStatus(ctx, rec, base); err != nil {
		return ctrl.Result{}, err
	}
	logger.Info("record reconciled", "provider", route.Kind, "zone", route.Zone, "values", desired.Values)
	return ctrl.Result{}, nil
}

// desired computes the RRset a Record asks for, resolving pod selectors.
func (r *RecordReconciler) desired(ctx context.Context, rec *aresv1alpha1.Record) (provider.Record, error) {
	spec := rec.Spec
	out := provider.Record{
		FQDN: provider.CanonicalName(spec.FQDN),
		Type: string(spec.Type),
		TTL:  ptr.Deref(spec.TTL, 0),
	}
	if out.FQDN == "" {
		return out, fmt.Errorf("%w: fqdn is required", errInvalidRecord)
	}
	if !provider.ValidType(out.Type) {
		return out, fmt.Errorf("%w: unknown record type %q", errInvalidRecord, spec.Type)
	}

	switch {
	case spec.ValueFrom != nil && len(spec.Value) > 0, spec.ValueFrom == nil && len(spec.Value) == 0:
		return out, fmt.Errorf("%w: exactly one of value or valueFrom must be set", errInvalidRecord)
	case spec.ValueFrom != nil:
		values, err := r.Resolver.Resolve(ctx, spec.ValueFrom.PodSelector, rec.Namespace, familyFor(spec.Type))
		if err != nil {
			return out, err
		}
		out.Values = values
	default:
		out.Values = append([]string(nil), spec.Value...)
	}
	return out, nil
}

// sync drives one RRset towards desired. Ownership is read before any
// mutation and a marker is always written before the record it guards.
func (r *RecordReconciler) sync(ctx context.Context, route router.Route, desired provider.Record, owner ownership.Owner) error {
	logger := logf.FromContext(ctx)

	records, err := route.Provider.List(ctx, route.Zone)
	if err != nil {
		return err
	}
	current, err := ownership.Lookup(records, desired.FQDN, desired.Type)
	if err != nil {
		return err
	}
	actual, exists := provider.Find(records, desired.FQDN, desired.Type)

	switch {
	case current == nil && exists:
		return fmt.Errorf("%w: %s %s exists without an ownership marker",
			ownership.ErrOwnershipConflict, desired.FQDN, desired.Type)
	case current != nil && *current != owner:
		return fmt.Errorf("%w: %s %s is owned by %s/%s",
			ownership.ErrOwnershipConflict, desired.FQDN, desired.Type, current.Namespace, current.Name)
	case len(desired.Values) == 0:
		if !exists {
			return nil
		}
		logger.Info("no values resolved; deleting record")
		return route.Provider.Delete(ctx, route.Zone, desired.FQDN, desired.Type)
	case current == nil:
		// The listing may be stale by now, so claim against a fresh read.
		if err := r.tracker(route).Claim(ctx, desired.FQDN, desired.Type, owner); err != nil {
			return err
		}
		logger.Info("claimed ownership marker", "marker", ownership.MarkerName(desired.FQDN, desired.Type))
	case exists && provider.Converged(desired, actual):
		logger.V(1).Info("record already converged")
		return nil
	}

	logger.Info("upserting record", "ttl", desired.TTL, "values", desired.Values)
	return route.Provider.Upsert(ctx, route.Zone, desired)
}

func (r *RecordReconciler) reconcileDelete(ctx context.Context, rec *aresv1alpha1.Record) (ctrl.Result, error) {
	if !controllerutil.ContainsFinalizer(rec, recordFinalizer) {
		return ctrl.Result{}, nil
	}
	logger := logf.FromContext(ctx)
	base := rec.DeepCopy()

	if err := r.finalize(ctx, rec); err != nil {
		reason := classify(err)
		if !terminal(reason) {
			reason = ReasonDeleting
		}
		return r.failure(ctx, rec, base, CondProgrammed, reason, err)
	}

	if err := retry.RetryOnConflict(retry.DefaultBackoff, func() error {
		var cur aresv1alpha1.Record
		if err := r.Get(ctx, client.ObjectKeyFromObject(rec), &cur); err != nil {
			return err
		}
		if !controllerutil.ContainsFinalizer(&cur, recordFinalizer) {
			return nil
		}
		base := cur.DeepCopy()
		controllerutil.RemoveFinalizer(&cur, recordFinalizer)
		return r.Patch(ctx, &cur, client.MergeFrom(base))
	}); err != nil {
		logger.Error(err, "failed to remove record finalizer")
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}
	logger.Info("record finalized")
	return ctrl.Result{}, nil
}

// claimedName is one (fqdn, type) pair a Record may hold in a provider.
type claimedName struct {
	FQDN string
	Type string
}

// previousName returns the pair recorded in status when the spec has since
// moved to a different one.
func previousName(rec *aresv1alpha1.Record, desired provider.Record) (claimedName, bool) {
	if rec.Status.FQDN == "" {
		return claimedName{}, false
	}
	prev := claimedName{FQDN: provider.CanonicalName(rec.Status.FQDN), Type: string(rec.Status.Type)}
	return prev, prev != claimedName{FQDN: desired.FQDN, Type: desired.Type}
}

// finalize releases every pair the Record may hold: the one its spec names
// and the one last recorded in status, if they differ.
func (r *RecordReconciler) finalize(ctx context.Context, rec *aresv1alpha1.Record) error {
	names := []claimedName{{FQDN: provider.CanonicalName(rec.Spec.FQDN), Type: string(rec.Spec.Type)}}
	if prev, moved := previousName(rec, provider.Record{FQDN: names[0].FQDN, Type: names[0].Type}); moved {
		names = append(names, prev)
	}
	for _, n := range names {
		if err := r.release(ctx, rec, n); err != nil {
			return err
		}
	}
	return nil
}

// release removes the managed record and then its marker, but only when the
// marker names this Record.
func (r *RecordReconciler) release(ctx context.Context, rec *aresv1alpha1.Record, n claimedName) error {
	logger := logf.FromContext(ctx).WithValues("releaseFQDN", n.FQDN, "releaseType", n.Type)
	fqdn, rrType := n.FQDN, n.Type

	route, err := r.Router.Route(fqdn)
	if err != nil {
		if errors.Is(err, router.ErrNoProviderConfigured) {
			logger.Info("no provider configured; nothing to clean up")
			return nil
		}
		return err
	}

	records, err := route.Provider.List(ctx, route.Zone)
	if err != nil {
		return err
	}
	current, err := ownership.Lookup(records, fqdn, rrType)
	if err != nil || current == nil || *current != ownerOf(rec) {
		logger.Info("record not owned by this resource; leaving provider state untouched")
		return nil
	}
	if _, exists := provider.Find(records, fqdn, rrType); exists {
		if err := route.Provider.Delete(ctx, route.Zone, fqdn, rrType); err != nil {
			return err
		}
	}
	return r.tracker(route).Release(ctx, fqdn, rrType)
}

// failure records err on the status and picks how the work queue should
// treat it: terminal reasons wait for the next event, the rest back off.
func (r *RecordReconciler) failure(
	ctx context.Context,
	rec, base *aresv1alpha1.Record,
	condType, reason string,
	err error,
) (ctrl.Result, error) {
	logger := logf.FromContext(ctx)

	cond := metav1.Condition{
		Type:               condType,
		Status:             metav1.ConditionFalse,
		Reason:             reason,
		Message:            err.Error(),
		ObservedGeneration: rec.Generation,
	}
	setCondition(&rec.Status.Conditions, cond)
	if condType == CondAccepted {
		cond.Type = CondProgrammed
		setCondition(&rec.Status.Conditions, cond)
	}
	if reason == ReasonOwnershipConflict {
		ownershipConflicts.WithLabelValues(rec.Status.Zone).Inc()
	}
	if perr := r.patchStatus(ctx, rec, base); perr != nil {
		logger.Error(perr, "failed to update record status")
		return ctrl.Result{}, perr
	}

	if terminal(reason) {
		logger.Info("record cannot be programmed until it or the configuration changes", "reason", reason, "error", err.Error())
		return ctrl.Result{}, reconcile.TerminalError(err)
	}
	logger.Info("record reconcile failed; will retry", "reason", reason, "error", err.Error())
	return ctrl.Result{}, err
}

func (r *RecordReconciler) patchStatus(ctx context.Context, rec, base *aresv1alpha1.Record) error {
	if equality.Semantic.DeepEqual(base.Status, rec.Status) {
		return nil
	}
	return r.Status().Patch(ctx, rec, client.MergeFrom(base))
}

func (r *RecordReconciler) tracker(route router.Route) *ownership.Tracker {
	return &ownership.Tracker{Provider: route.Provider, Zone: route.Zone, TTL: r.MarkerTTL}
}

// classify maps an error to the condition reason reported for it.
func classify(err error) string {
	var perr *provider.Error
	switch {
	case errors.Is(err, errInvalidRecord):
		return ReasonInvalidRecord
	case errors.Is(err, resolver.ErrSelectorEvaluation):
		return ReasonInvalidSelector
	case errors.Is(err, router.ErrNoProviderConfigured):
		return ReasonNoProviderConfigured
	case errors.Is(err, ownership.ErrOwnershipConflict):
		return ReasonOwnershipConflict
	case provider.IsPermanent(err):
		return ReasonProviderRejected
	case errors.As(err, &perr):
		return ReasonProviderUnavailable
	default:
		return ReasonPending
	}
}

// terminal reports whether retrying without an external change is pointless.
func terminal(reason string) bool {
	switch reason {
	case ReasonPending, ReasonProviderUnavailable, ReasonDeleting:
		return false
	default:
		return true
	}
}

func ownerOf(rec *aresv1alpha1.Record) ownership.Owner {
	return ownership.Owner{Namespace: rec.Namespace, Name: rec.Name, UID: rec.UID}
}

func familyFor(t aresv1alpha1.RRType) resolver.Family {
	switch t {
	case aresv1alpha1.RRTypeA:
		return resolver.IPv4
	case aresv1alpha1.RRTypeAAAA:
		return resolver.IPv6
	default:
		return resolver.AnyFamily
	}
}

// IndexPodSelector is the field indexer for PodSelectorIndex.
func IndexPodSelector(obj client.Object) []string {
	rec, ok := obj.(*aresv1alpha1.Record)
	if !ok || rec.Spec.ValueFrom == nil || rec.Spec.ValueFrom.PodSelector == nil {
		return nil
	}
	return []string{"true"}
}

func (r *RecordReconciler) SetupWithManager(ctx context.Context, mgr ctrl.Manager) error {
	if r.Resolver == nil {
		r.Resolver = &resolver.Resolver{Client: mgr.GetClient()}
	}
	if err := mgr.GetFieldIndexer().IndexField(ctx, &aresv1alpha1.Record{}, PodSelectorIndex, IndexPodSelector); err != nil {
		return err
	}

	base, maxDelay := r.BackoffBase, r.BackoffMax
	if base <= 0 {
		base = defaultBackoffBase
	}
	if maxDelay <= 0 {
		maxDelay = defaultBackoffMax
	}
	workers := r.MaxConcurrentReconciles
	if workers <= 0 {
		workers = defaultMaxConcurrentReconciles
	}

	c, err := controller.New("record", mgr, controller.Options{
		Reconciler:              r,
		RateLimiter:             workqueue.NewTypedItemExponentialFailureRateLimiter[reconcile.Request](base, maxDelay),
		MaxConcurrentReconciles: workers,
	})
	if err != nil {
		return err
	}

	if err := c.Watch(source.Kind(mgr.GetCache(), &aresv1alpha1.Record{},
		&handler.TypedEnqueueRequestForObject[*aresv1alpha1.Record]{},
		recordChanged(),
	)); err != nil {
		return err
	}
	if err := c.Watch(source.Kind(mgr.GetCache(), &corev1.Pod{},
		handler.TypedEnqueueRequestsFromMapFunc(r.RecordsForPod),
		podChanged(),
	)); err != nil {
		return err
	}
	return c.Watch(source.Kind(mgr.GetCache(), &corev1.Node{},
		handler.TypedEnqueueRequestsFromMapFunc(r.RecordsForNode),
		nodeAddressesChanged(),
	))
}

// RecordsForPod maps a Pod event to every selector-based Record in its
// namespace.
func (r *RecordReconciler) RecordsForPod(ctx context.Context, pod *corev1.Pod) []reconcile.Request {
	return r.selectorRecords(ctx, client.InNamespace(pod.Namespace))
}

// RecordsForNode maps a Node event to every selector-based Record.
func (r *RecordReconciler) RecordsForNode(ctx context.Context, _ *corev1.Node) []reconcile.Request {
	return r.selectorRecords(ctx)
}

func (r *RecordReconciler) selectorRecords(ctx context.Context, opts ...client.ListOption) []reconcile.Request {
	var list aresv1alpha1.RecordList
	opts = append(opts, client.MatchingFields{PodSelectorIndex: "true"})
	if err := r.List(ctx, &list, opts...); err != nil {
		logf.FromContext(ctx).Error(err, "failed to list selector-based records")
		return nil
	}
	reqs := make([]reconcile.Request, 0, len(list.Items))
	for i := range list.Items {
		reqs = append(reqs, reconcile.Request{NamespacedName: client.ObjectKeyFromObject(&list.Items[i])})
	}
	return reqs
}

func recordChanged() predicate.TypedFuncs[*aresv1alpha1.Record] {
	return predicate.TypedFuncs[*aresv1alpha1.Record]{
		UpdateFunc: func(e event.TypedUpdateEvent[*aresv1alpha1.Record]) bool {
			// periodic resyncs deliver the unchanged object
			if e.ObjectOld.ResourceVersion == e.ObjectNew.ResourceVersion {
				return true
			}
			return e.ObjectOld.Generation != e.ObjectNew.Generation || !e.ObjectNew.DeletionTimestamp.IsZero()
		},
	}
}

func podChanged() predicate.TypedFuncs[*corev1.Pod] {
	return predicate.TypedFuncs[*corev1.Pod]{
		UpdateFunc: func(e event.TypedUpdateEvent[*corev1.Pod]) bool {
			o, n := e.ObjectOld, e.ObjectNew
			return !equality.Semantic.DeepEqual(o.Labels, n.Labels) ||
				o.Spec.NodeName != n.Spec.NodeName ||
				o.Status.Phase != n.Status.Phase ||
				o.Status.HostIP != n.Status.HostIP ||
				!equality.Semantic.DeepEqual(o.Status.HostIPs, n.Status.HostIPs) ||
				o.DeletionTimestamp.IsZero() != n.DeletionTimestamp.IsZero()
		},
	}
}

func nodeAddressesChanged() predicate.TypedFuncs[*corev1.Node] {
	return predicate.TypedFuncs[*corev1.Node]{
		CreateFunc: func(event.TypedCreateEvent[*corev1.Node]) bool { return false },
		UpdateFunc: func(e event.TypedUpdateEvent[*corev1.Node]) bool {
			return !equality.Semantic.DeepEqual(e.ObjectOld.Status.Addresses, e.ObjectNew.Status.Addresses)
		},
	}
}
