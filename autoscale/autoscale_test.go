package autoscale

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/inconshreveable/log15"
)

func replicas(n int32) *int32 { return &n }

func newFakeDeployment(namespace, name string, initial int32) *fake.Clientset {
	return fake.NewSimpleClientset(&appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec:       appsv1.DeploymentSpec{Replicas: replicas(initial)},
	})
}

func TestControllerScalesUpAndDownWithinBounds(t *testing.T) {
	Convey("A controller scales a deployment toward the queue-depth target", t, func() {
		clientset := newFakeDeployment("default", "cmdproxy-worker", 1)
		cfg := Config{
			Namespace:        "default",
			Deployment:       "cmdproxy-worker",
			MinReplicas:      1,
			MaxReplicas:      5,
			TargetPerReplica: 10,
		}

		Convey("a high queue depth scales up, bounded by MaxReplicas", func() {
			depth := func(ctx context.Context) (map[string]int, error) {
				return map[string]int{"cmdpath": 1000}, nil
			}
			c := NewController(clientset, cfg, depth, log15.New())
			c.tick(context.Background())

			dep, err := clientset.AppsV1().Deployments("default").Get(context.Background(), "cmdproxy-worker", metav1.GetOptions{})
			So(err, ShouldBeNil)
			So(*dep.Spec.Replicas, ShouldEqual, int32(5))
		})

		Convey("zero queue depth scales down to MinReplicas, never below it", func() {
			depth := func(ctx context.Context) (map[string]int, error) {
				return map[string]int{"cmdpath": 0}, nil
			}
			c := NewController(clientset, cfg, depth, log15.New())
			c.tick(context.Background())

			dep, err := clientset.AppsV1().Deployments("default").Get(context.Background(), "cmdproxy-worker", metav1.GetOptions{})
			So(err, ShouldBeNil)
			So(*dep.Spec.Replicas, ShouldEqual, int32(1))
		})

		Convey("LastSeen reflects the most recent poll", func() {
			depth := func(ctx context.Context) (map[string]int, error) {
				return map[string]int{"cmdpath": 3, "cat": 2}, nil
			}
			c := NewController(clientset, cfg, depth, log15.New())
			c.tick(context.Background())
			So(c.LastSeen(), ShouldResemble, map[string]int{"cmdpath": 3, "cat": 2})
		})
	})
}
