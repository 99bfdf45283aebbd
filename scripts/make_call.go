package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/harunnryd/callcenter/pkg/configutil"
	"github.com/harunnryd/callcenter/pkg/transports"
	twiliotransport "github.com/harunnryd/callcenter/pkg/transports/twilio"
	"github.com/spf13/viper"
)

type twilioConfig struct {
	Transports struct {
		Provider string         `mapstructure:"provider"`
		Settings map[string]any `mapstructure:"settings"`
	} `mapstructure:"transports"`
}

// make_call dials the call center so a test handset hears the menu.
// -send_digits presses keys once the call connects, e.g. "wwww2".
func main() {
	configPath := flag.String("config", "examples/callcenter/config.yaml", "")
	from := flag.String("from", "", "")
	to := flag.String("to", "", "")
	voiceURL := flag.String("voice_url", "", "")
	sendDigits := flag.String("send_digits", "", "")
	flag.Parse()
	if *from == "" || *to == "" {
		fmt.Println("usage: make_call -from=+123 -to=+456 [-config=...] [-send_digits=wwww2]")
		os.Exit(1)
	}
	cfg, err := loadTwilioConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	expanded := make(map[string]any, len(cfg.Transports.Settings))
	for k, v := range cfg.Transports.Settings {
		if s, ok := v.(string); ok {
			v = os.ExpandEnv(s)
		}
		expanded[k] = v
	}
	var settings twiliotransport.Config
	if err := configutil.DecodeSettings(expanded, &settings); err != nil {
		fmt.Println("settings error:", err)
		os.Exit(1)
	}
	if *voiceURL == "" && settings.PublicURL == "" {
		fmt.Println("public_url is empty")
		os.Exit(1)
	}

	dialer := twiliotransport.NewDialer(settings)
	callSID, err := dialer.DialWithOptions(context.Background(), *to, *from, *voiceURL, transports.DialOptions{SendDigits: *sendDigits})
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_sid:", callSID)
}

func loadTwilioConfig(path string) (twilioConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return twilioConfig{}, err
	}
	var cfg twilioConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return twilioConfig{}, err
	}
	return cfg, nil
}
