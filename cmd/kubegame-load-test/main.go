package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
	"sigs.k8s.io/controller-runtime/pkg/client"

	gamev1alpha1 "github.com/SystemCraftsman/kubegame/api/v1alpha1"
)

var (
	scheme = runtime.NewScheme()
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(gamev1alpha1.AddToScheme(scheme))
}

func main() {
	var kubeconfig string
	if home := homedir.HomeDir(); home != "" {
		kubeconfig = filepath.Join(home, ".kube", "config")
	} else {
		kubeconfig = os.Getenv("KUBECONFIG")
	}
	flag.StringVar(&kubeconfig, "kubeconfig", kubeconfig, "absolute path to the kubeconfig file")

	var (
		numWorlds int
		namespace string
		gameName  string
		timeout   time.Duration
		cleanup   bool
	)
	flag.IntVar(&numWorlds, "worlds", 10, "Number of worlds to create")
	flag.StringVar(&namespace, "namespace", "default", "Namespace to create the game and worlds in")
	flag.StringVar(&gameName, "game", "load-test", "Game the worlds belong to; created if missing")
	flag.DurationVar(&timeout, "timeout", 5*time.Minute, "How long to wait for each resource to become ready")
	flag.BoolVar(&cleanup, "cleanup", false, "Delete the worlds and the game afterwards")
	flag.Parse()

	config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		log.Fatalf("Error building kubeconfig: %v", err)
	}
	k8sClient, err := client.New(config, client.Options{Scheme: scheme})
	if err != nil {
		log.Fatalf("Error creating client: %v", err)
	}

	ctx := context.Background()
	gameLatency, err := ensureGame(ctx, k8sClient, namespace, gameName, timeout)
	if err != nil {
		log.Fatalf("Game %s: %v", gameName, err)
	}
	fmt.Printf("Game %s ready after %v\n", gameName, gameLatency)

	fmt.Printf("Starting load test: %d worlds in namespace %s\n", numWorlds, namespace)
	start := time.Now()

	var (
		mu        sync.Mutex
		latencies []time.Duration
		created   []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < numWorlds; i++ {
		worldName := fmt.Sprintf("%s-world-%d-%d", gameName, start.Unix(), i)
		g.Go(func() error {
			world := &gamev1alpha1.World{
				ObjectMeta: metav1.ObjectMeta{Name: worldName, Namespace: namespace},
				Spec:       gamev1alpha1.WorldSpec{Game: gameName},
			}
			createStart := time.Now()
			if err := k8sClient.Create(gctx, world); err != nil {
				return fmt.Errorf("create world %s: %w", worldName, err)
			}
			mu.Lock()
			created = append(created, worldName)
			mu.Unlock()

			if err := waitReady(gctx, k8sClient, client.ObjectKeyFromObject(world), &gamev1alpha1.World{}, timeout); err != nil {
				return fmt.Errorf("world %s: %w", worldName, err)
			}
			latency := time.Since(createStart)
			fmt.Printf("World %s ready in %v\n", worldName, latency)
			mu.Lock()
			latencies = append(latencies, latency)
			mu.Unlock()
			return nil
		})
	}
	runErr := g.Wait()
	totalDuration := time.Since(start)

	if len(latencies) > 0 {
		var total, slowest time.Duration
		for _, l := range latencies {
			total += l
			if l > slowest {
				slowest = l
			}
		}
		fmt.Printf("Load test completed in %v. %d/%d worlds ready. Avg latency: %v, max: %v\n",
			totalDuration, len(latencies), numWorlds, total/time.Duration(len(latencies)), slowest)
	} else {
		fmt.Printf("Load test completed in %v. No worlds became ready.\n", totalDuration)
	}

	if cleanup {
		deleteAll(ctx, k8sClient, namespace, gameName, created)
	}
	if runErr != nil {
		log.Fatalf("Load test failed: %v", runErr)
	}
}

// ensureGame creates the game unless it exists and waits for it to report ready.
func ensureGame(ctx context.Context, c client.Client, namespace, name string, timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	game := &gamev1alpha1.Game{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec: gamev1alpha1.GameSpec{
			Database: gamev1alpha1.DatabaseSpec{Username: "loadtest", Password: "loadtest"},
		},
	}
	if err := c.Create(ctx, game); err != nil && !apierrors.IsAlreadyExists(err) {
		return 0, err
	}
	if err := waitReady(ctx, c, client.ObjectKeyFromObject(game), &gamev1alpha1.Game{}, timeout); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

type readyObject interface {
	client.Object
	IsReady() bool
}

func waitReady(ctx context.Context, c client.Client, key client.ObjectKey, obj readyObject, timeout time.Duration) error {
	return wait.PollUntilContextTimeout(ctx, time.Second, timeout, true, func(ctx context.Context) (bool, error) {
		if err := c.Get(ctx, key, obj); err != nil {
			return false, client.IgnoreNotFound(err)
		}
		return obj.IsReady(), nil
	})
}

func deleteAll(ctx context.Context, c client.Client, namespace, gameName string, worlds []string) {
	for _, name := range worlds {
		w := &gamev1alpha1.World{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace}}
		if err := c.Delete(ctx, w); client.IgnoreNotFound(err) != nil {
			fmt.Printf("Error deleting world %s: %v\n", name, err)
		}
	}
	game := &gamev1alpha1.Game{ObjectMeta: metav1.ObjectMeta{Name: gameName, Namespace: namespace}}
	if err := c.Delete(ctx, game); client.IgnoreNotFound(err) != nil {
		fmt.Printf("Error deleting game %s: %v\n", gameName, err)
	}
	fmt.Printf("Deleted %d worlds and game %s\n", len(worlds), gameName)
}
