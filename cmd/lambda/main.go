// Lambda function-URL entrypoint: one-shot optimize of a posted scenario.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/tidwall/gjson"

	"planforge/internal/config"
	"planforge/internal/model"
	"planforge/internal/opt"
)

var jsonHeader = map[string]string{
	"Content-Type": "application/json",
}

// The wall clock is always bounded so a runaway search cannot hold the
// function for its whole configured timeout.
const (
	defaultWall = 10 * time.Second
	maxWall     = time.Minute
)

type optimizeResult struct {
	Fitness     int          `json:"fitness"`
	Elapsed     int          `json:"elapsed"`
	Executed    int          `json:"executed"`
	Seed        int64        `json:"seed"`
	Trace       model.Trace  `json:"trace"`
	FinalStocks model.Ledger `json:"finalStocks"`
}

func handler(ctx context.Context, event events.LambdaFunctionURLRequest) (events.LambdaFunctionURLResponse, error) {
	body := event.Body
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return errResp(400, "invalid base64 body")
		}
		body = string(decoded)
	}
	if !gjson.Valid(body) {
		return errResp(400, "invalid JSON")
	}

	sc, err := scenarioFromBody(body)
	if err != nil {
		return errResp(400, err.Error())
	}

	budget := int(gjson.Get(body, "budget").Int())
	if budget <= 0 {
		return errResp(400, "missing budget")
	}

	wall := defaultWall
	if ms := gjson.Get(body, "wallMs").Int(); ms > 0 {
		wall = time.Duration(ms) * time.Millisecond
		if wall > maxWall {
			wall = maxWall
		}
	}

	params := opt.Params{
		Population:  int(gjson.Get(body, "population").Int()),
		Generations: int(gjson.Get(body, "generations").Int()),
		Offspring:   int(gjson.Get(body, "offspring").Int()),
		WallClock:   wall,
	}

	sol, met, err := opt.Solve(ctx, opt.Problem{Scenario: sc, Budget: budget}, params, gjson.Get(body, "seed").Int())
	if err != nil {
		return errResp(422, err.Error())
	}

	res := optimizeResult{
		Fitness:     sol.Fitness,
		Elapsed:     sol.Elapsed,
		Executed:    sol.Executed,
		Seed:        met.Seed,
		Trace:       sol.Trace,
		FinalStocks: sol.Final,
	}
	respJSON, _ := json.Marshal(res)
	return events.LambdaFunctionURLResponse{StatusCode: 200, Headers: jsonHeader, Body: string(respJSON)}, nil
}

// scenarioFromBody accepts {"config": "<config text>"} or an inline
// scenario document with stocks/processes/optimize fields.
func scenarioFromBody(body string) (model.Scenario, error) {
	if cfg := gjson.Get(body, "config"); cfg.Exists() {
		return config.ParseString(cfg.String())
	}
	if gjson.Get(body, "processes").Exists() {
		var doc model.ScenarioIn
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return model.Scenario{}, err
		}
		return config.FromDoc(doc)
	}
	return model.Scenario{}, errors.New("missing scenario: provide config text or stocks/processes/optimize")
}

func errResp(code int, msg string) (events.LambdaFunctionURLResponse, error) {
	body, _ := json.Marshal(map[string]string{"error": msg})
	return events.LambdaFunctionURLResponse{StatusCode: code, Headers: jsonHeader, Body: string(body)}, nil
}

func main() {
	lambda.Start(handler)
}
