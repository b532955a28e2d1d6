package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chatdeck/flowengine/agent"
	"github.com/chatdeck/flowengine/analytics"
	"github.com/chatdeck/flowengine/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type cfg struct {
	config.Config
}
type cli struct {
	cfg cfg
}

func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().String("redis-addr", "localhost:6379", "comma separated list of redis host:port")
	cmd.Flags().String("namespace", "flowengine", "namespace used in storage")
	cmd.Flags().Int("http-port", 8080, "http port for rest endpoints")
	cmd.Flags().String("storage-impl", "redis", "implementation of underline storage")
	cmd.Flags().String("gateway-url", "http://localhost:8090", "base url of the channel gateway")
	cmd.Flags().String("gateway-api-key", "", "api key for the channel gateway")
	cmd.Flags().String("ai-completion-url", "", "completion endpoint used by ai nodes")
	cmd.Flags().String("ai-api-key", "", "api key for the completion endpoint")
	cmd.Flags().String("ai-model", "", "model name sent with completion requests")
	cmd.Flags().Int("max-steps-per-run", config.DEFAULT_MAX_STEPS_PER_RUN, "max nodes executed in one invocation")
	cmd.Flags().Int("wall-budget-seconds", config.DEFAULT_WALL_BUDGET_SECONDS, "wall-clock budget of one invocation")
	cmd.Flags().Int("node-timeout-seconds", config.DEFAULT_NODE_TIMEOUT_SECONDS, "timeout of a single node execution")
	cmd.Flags().Int("lock-wait-seconds", config.DEFAULT_LOCK_WAIT_SECONDS, "max wait for a conversation lock")
	cmd.Flags().Int("default-max-retries", config.DEFAULT_MAX_RETRIES, "node retries when the node does not set its own")
	cmd.Flags().Int("session-ttl-hours", config.DEFAULT_SESSION_TTL_HOURS, "session inactivity expiry in hours")
	cmd.Flags().Int("followup-poll-seconds", 1, "follow-up queue poll interval")
	cmd.Flags().Int("followup-capacity", 100, "follow-up delivery worker capacity")
	cmd.Flags().String("analytics-file", "", "append step and session events to this file as json lines")
	return viper.BindPFlags(cmd.Flags())
}

func (c *cli) setupConfig(cmd *cobra.Command, args []string) error {
	var err error

	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}
	viper.SetConfigFile(configFile)

	if err = viper.ReadInConfig(); err != nil {
		// it's ok if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	c.cfg.RedisConfig.Addrs = strings.Split(viper.GetString("redis-addr"), ",")
	c.cfg.RedisConfig.Namespace = viper.GetString("namespace")
	c.cfg.HttpPort = viper.GetInt("http-port")
	c.cfg.StorageType = config.StorageType(viper.GetString("storage-impl"))
	c.cfg.Gateway.BaseURL = viper.GetString("gateway-url")
	c.cfg.Gateway.APIKey = viper.GetString("gateway-api-key")
	c.cfg.AI.CompletionURL = viper.GetString("ai-completion-url")
	c.cfg.AI.APIKey = viper.GetString("ai-api-key")
	c.cfg.AI.Model = viper.GetString("ai-model")
	c.cfg.Engine.MaxStepsPerRun = viper.GetInt("max-steps-per-run")
	c.cfg.Engine.WallBudgetSeconds = viper.GetInt("wall-budget-seconds")
	c.cfg.Engine.NodeTimeoutSeconds = viper.GetInt("node-timeout-seconds")
	c.cfg.Engine.LockWaitSeconds = viper.GetInt("lock-wait-seconds")
	c.cfg.Engine.DefaultMaxRetries = viper.GetInt("default-max-retries")
	c.cfg.Engine.SessionTTLHours = viper.GetInt("session-ttl-hours")
	c.cfg.FollowUp.PollIntervalSeconds = viper.GetInt("followup-poll-seconds")
	c.cfg.FollowUp.WorkerCapacity = viper.GetInt("followup-capacity")
	if file := viper.GetString("analytics-file"); file != "" {
		c.cfg.Analytics.FileName = file
		c.cfg.Analytics.CollectorType = analytics.LOG_FILE_DATA_COLLECTOR
	}
	return nil
}

func (c *cli) run(cmd *cobra.Command, args []string) error {
	var err error
	agent, err := agent.New(c.cfg.Config)
	if err != nil {
		panic(err)
	}
	err = agent.Start()
	if err != nil {
		panic(err)
	}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	return agent.Shutdown()
}

func main() {
	cli := &cli{}

	cmd := &cobra.Command{
		Use:     "flowengine",
		PreRunE: cli.setupConfig,
		RunE:    cli.run,
	}

	if err := setupFlags(cmd); err != nil {
		log.Fatal(err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
