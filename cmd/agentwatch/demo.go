package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentwatch-hq/agentwatch/models"
)

// demoStep is one scripted telemetry event posted against a running server.
type demoStep struct {
	thought     string
	tool        string
	params      map[string]interface{}
	observation string
	rawLog      string
	parentStep  string
	parentAgent string
}

type demoScenario struct {
	agentID string
	steps   []demoStep
}

func demoScenarios() []demoScenario {
	loopParams := map[string]interface{}{"ticker": "NVDA", "period": "1d"}
	return []demoScenario{
		{
			agentID: "trader-alpha",
			steps: []demoStep{
				{
					thought:     "AAPL fundamentals look solid, opening a small position",
					tool:        "execute_trade",
					params:      map[string]interface{}{"ticker": "AAPL", "qty": 100},
					observation: "order filled",
					rawLog:      "Agent decided to BUY 100 shares of AAPL at $150.00, total cost $15,000",
				},
				{
					thought:     "Scaling into MSFT near the top of our budget",
					tool:        "execute_trade",
					params:      map[string]interface{}{"ticker": "MSFT", "qty": 200},
					observation: "order filled",
					rawLog:      "Agent decided to BUY 200 shares of MSFT at $425.00, total cost $85,000",
				},
				{
					thought:     "Going big on NVDA",
					tool:        "execute_trade",
					params:      map[string]interface{}{"ticker": "NVDA", "qty": 500},
					observation: "pending",
					rawLog:      "Agent decided to BUY 500 shares of NVDA at $242.50, total cost $121,250",
				},
			},
		},
		{
			agentID: "trader-bravo",
			steps: []demoStep{
				{
					thought:     "Meme momentum play on GME",
					tool:        "execute_trade",
					params:      map[string]interface{}{"ticker": "GME", "qty": 50},
					observation: "pending",
					rawLog:      "Agent decided to BUY 50 shares of GME at $25.00, total cost $1,250",
				},
				{
					thought:     "Concentrating the whole book into one name",
					tool:        "execute_trade",
					params:      map[string]interface{}{"ticker": "INTC", "qty": 5000},
					observation: "pending",
					rawLog:      "Agent decided to BUY 5000 shares of INTC at $19.00, total cost $95,000",
				},
			},
		},
		{
			agentID: "trader-loop",
			steps: []demoStep{
				{thought: "Checking NVDA price", tool: "fetch_quote", params: loopParams, observation: "no change", rawLog: "Agent requested RESEARCH on NVDA quote"},
				{thought: "Checking NVDA price again", tool: "fetch_quote", params: loopParams, observation: "no change", rawLog: "Agent requested RESEARCH on NVDA quote"},
				{thought: "Checking NVDA price once more", tool: "fetch_quote", params: loopParams, observation: "no change", rawLog: "Agent requested RESEARCH on NVDA quote"},
			},
		},
		{
			agentID: "trader-hype",
			steps: []demoStep{
				{
					thought:     "This is a guaranteed winner, we must act now before it's too late",
					tool:        "execute_trade",
					params:      map[string]interface{}{"ticker": "TSLA", "qty": 10},
					observation: "pending",
					rawLog:      "Agent decided to BUY 10 shares of TSLA at $200.00, total cost $2,000",
				},
			},
		},
	}
}

func demoCMD() *cobra.Command {
	var baseURL string
	var demo = &cobra.Command{
		Use:   "demo",
		Short: "Drive scripted agent scenarios against a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(log.Writer(), "[Demo] ", log.LstdFlags)
			client := &http.Client{Timeout: 15 * time.Second}
			ctx := cmd.Context()

			g, ctx := errgroup.WithContext(ctx)
			for _, sc := range demoScenarios() {
				sc := sc
				g.Go(func() error {
					return runScenario(ctx, client, baseURL, sc, logger)
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			// Cross-agent causal chain: a trade triggered by another agent's
			// research step.
			parent := demoStep{
				thought:     "ORCL earnings beat expectations, flagging to the trading desk",
				tool:        "research_report",
				params:      map[string]interface{}{"ticker": "ORCL"},
				observation: "report published",
				rawLog:      "Agent requested RESEARCH on ORCL earnings",
			}
			parentID, _, err := postStep(ctx, client, baseURL, "analyst-delta", parent, logger)
			if err != nil {
				return err
			}
			child := demoStep{
				thought:     "Acting on the analyst desk's ORCL report",
				tool:        "execute_trade",
				params:      map[string]interface{}{"ticker": "ORCL", "qty": 100},
				observation: "order filled",
				rawLog:      "Agent decided to BUY 100 shares of ORCL at $140.00, total cost $14,000",
				parentStep:  parentID,
				parentAgent: "analyst-delta",
			}
			if _, _, err := postStep(ctx, client, baseURL, "trader-echo", child, logger); err != nil {
				return err
			}
			logger.Printf("demo complete")
			return nil
		},
	}
	demo.Flags().StringVar(&baseURL, "server", "http://localhost:8080", "agentwatch server base URL")

	return demo
}

func runScenario(ctx context.Context, client *http.Client, baseURL string, sc demoScenario, logger *log.Logger) error {
	for _, step := range sc.steps {
		if _, _, err := postStep(ctx, client, baseURL, sc.agentID, step, logger); err != nil {
			return err
		}
	}
	return nil
}

func postStep(ctx context.Context, client *http.Client, baseURL, agentID string, step demoStep, logger *log.Logger) (string, models.GovernanceDecision, error) {
	ev := models.TelemetryEvent{
		AgentID:         agentID,
		StepID:          uuid.NewString(),
		Timestamp:       time.Now().UTC(),
		Thought:         step.thought,
		ToolUsed:        step.tool,
		InputParameters: step.params,
		Observation:     step.observation,
		RawLog:          step.rawLog,
		ParentStepID:    step.parentStep,
		ParentAgentID:   step.parentAgent,
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return "", models.GovernanceDecision{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/v1/telemetry", bytes.NewReader(body))
	if err != nil {
		return "", models.GovernanceDecision{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", models.GovernanceDecision{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", models.GovernanceDecision{}, fmt.Errorf("telemetry post for %s: %s: %s", agentID, resp.Status, msg)
	}
	var decision models.GovernanceDecision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return "", models.GovernanceDecision{}, err
	}
	logger.Printf("%s %s step=%s reason=%s", agentID, decision.Decision, ev.StepID, decision.Reason)
	return ev.StepID, decision, nil
}
